package api

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// decompressRequest unwraps gzip-encoded bodies on the mutate route before
// the JSON decoder runs. A tab replaying a long offline backlog can post a
// sizeable batch, so clients are allowed to compress it.
func decompressRequest() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			encoding := strings.TrimSpace(req.Header.Get(echo.HeaderContentEncoding))
			if !strings.EqualFold(encoding, "gzip") {
				return next(c)
			}

			raw := req.Body
			zr, err := gzip.NewReader(raw)
			if err != nil {
				_ = raw.Close()
				return echo.NewHTTPError(http.StatusBadRequest, "invalid gzip body")
			}

			req.Body = &decompressedBody{zr: zr, raw: raw}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)

			return next(c)
		}
	}
}

// decompressedBody closes both the gzip reader and the underlying request
// body; echo only closes the outer one.
type decompressedBody struct {
	zr  *gzip.Reader
	raw io.ReadCloser
}

func (b *decompressedBody) Read(p []byte) (int, error) {
	return b.zr.Read(p)
}

func (b *decompressedBody) Close() error {
	err := b.zr.Close()
	if cerr := b.raw.Close(); err == nil {
		err = cerr
	}
	return err
}
