package rowsource

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/htmlindex"
)

// OpenOptions configures input opening.
type OpenOptions struct {
	Timeout  time.Duration // dial/request timeout for remote sources, default 30s
	Encoding string        // source charset for legacy files, e.g. "windows-1252"
}

// Open returns a reader for source, which may be a local file path or an
// http(s):// or ftp:// URL. The caller must close the returned ReadCloser.
func Open(ctx context.Context, source string, opts OpenOptions) (io.ReadCloser, error) {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}

	var (
		rc  io.ReadCloser
		err error
	)
	switch {
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		rc, err = openHTTP(ctx, source, opts.Timeout)
	case strings.HasPrefix(source, "ftp://"):
		rc, err = openFTP(ctx, source, opts.Timeout)
	default:
		rc, err = openFile(source)
	}
	if err != nil {
		return nil, err
	}

	if opts.Encoding != "" {
		dec, err := decodeReader(rc, opts.Encoding)
		if err != nil {
			_ = rc.Close()
			return nil, err
		}
		return dec, nil
	}

	return rc, nil
}

func openFile(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "rowsource: open %s", path)
	}
	return f, nil
}

func openHTTP(ctx context.Context, rawURL string, timeout time.Duration) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "rowsource: create request")
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "rowsource: download %s", rawURL)
	}

	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, eris.Errorf("rowsource: unexpected status %d from %s", resp.StatusCode, rawURL)
	}

	return resp.Body, nil
}

func openFTP(ctx context.Context, rawURL string, timeout time.Duration) (io.ReadCloser, error) {
	host, path, err := parseFTPURL(rawURL)
	if err != nil {
		return nil, err
	}

	zap.L().Debug("rowsource: ftp connecting", zap.String("host", host), zap.String("path", path))

	conn, err := ftp.Dial(host, ftp.DialWithTimeout(timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, eris.Wrap(err, "rowsource: ftp dial")
	}

	if err := conn.Login("anonymous", "anonymous@"); err != nil {
		conn.Quit()
		return nil, eris.Wrap(err, "rowsource: ftp login")
	}

	resp, err := conn.Retr(path)
	if err != nil {
		conn.Quit()
		return nil, eris.Wrap(err, "rowsource: ftp retrieve")
	}

	return &ftpConnReader{resp: resp, conn: conn}, nil
}

// parseFTPURL extracts host (with port) and path from an FTP URL.
func parseFTPURL(rawURL string) (host string, path string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", eris.Wrap(err, "rowsource: parse ftp url")
	}
	if u.Scheme != "ftp" {
		return "", "", eris.Errorf("rowsource: expected ftp scheme, got %q", u.Scheme)
	}

	host = u.Host
	if _, _, splitErr := net.SplitHostPort(host); splitErr != nil {
		host = net.JoinHostPort(host, "21")
	}

	path = u.Path
	if path == "" {
		return "", "", eris.New("rowsource: empty path in ftp url")
	}

	return host, path, nil
}

// ftpConnReader wraps an FTP response and connection so that closing the
// reader also closes the FTP response and disconnects from the server.
type ftpConnReader struct {
	resp *ftp.Response
	conn *ftp.ServerConn
}

func (r *ftpConnReader) Read(p []byte) (int, error) {
	return r.resp.Read(p)
}

func (r *ftpConnReader) Close() error {
	respErr := r.resp.Close()
	quitErr := r.conn.Quit()
	if respErr != nil {
		return eris.Wrap(respErr, "rowsource: close ftp response")
	}
	if quitErr != nil {
		return eris.Wrap(quitErr, "rowsource: quit ftp connection")
	}
	return nil
}

// decodeReader wraps rc so reads are transcoded from the named legacy charset
// to UTF-8.
func decodeReader(rc io.ReadCloser, name string) (io.ReadCloser, error) {
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, eris.Wrapf(err, "rowsource: unsupported encoding %q", name)
	}
	return &decodedReadCloser{r: enc.NewDecoder().Reader(rc), c: rc}, nil
}

type decodedReadCloser struct {
	r io.Reader
	c io.Closer
}

func (d *decodedReadCloser) Read(p []byte) (int, error) {
	return d.r.Read(p)
}

func (d *decodedReadCloser) Close() error {
	return d.c.Close()
}
