package middleware

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"
	"sync"
)

var gzipWriters = sync.Pool{
	New: func() any { return gzip.NewWriter(io.Discard) },
}

type gzipResponseWriter struct {
	http.ResponseWriter
	zw          *gzip.Writer
	wroteHeader bool
	// passthrough выставляется для ответов без тела (204, 304)
	passthrough bool
}

func (w *gzipResponseWriter) WriteHeader(statusCode int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	if statusCode == http.StatusNoContent || statusCode == http.StatusNotModified {
		w.passthrough = true
		w.ResponseWriter.WriteHeader(statusCode)
		return
	}
	w.Header().Del("Content-Length")
	w.Header().Set("Content-Encoding", "gzip")
	w.Header().Add("Vary", "Accept-Encoding")
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *gzipResponseWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if w.passthrough {
		return w.ResponseWriter.Write(p)
	}
	return w.zw.Write(p)
}

type gzipRequestBody struct {
	io.ReadCloser
	zr *gzip.Reader
}

func (b *gzipRequestBody) Read(p []byte) (int, error) { return b.zr.Read(p) }

func (b *gzipRequestBody) Close() error {
	if err := b.zr.Close(); err != nil {
		return err
	}
	return b.ReadCloser.Close()
}

// GzipMiddleware распаковывает тело запроса с Content-Encoding: gzip и сжимает ответ,
// если клиент принимает gzip.
func GzipMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.Header.Get("Content-Encoding"), "gzip") {
			zr, err := gzip.NewReader(r.Body)
			if err != nil {
				http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
				return
			}
			r.Body = &gzipRequestBody{ReadCloser: r.Body, zr: zr}
			r.Header.Del("Content-Encoding")
		}

		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next.ServeHTTP(w, r)
			return
		}

		zw := gzipWriters.Get().(*gzip.Writer)
		zw.Reset(w)
		gw := &gzipResponseWriter{ResponseWriter: w, zw: zw}
		defer func() {
			// ответ без тела отдаётся как есть
			if !gw.wroteHeader || gw.passthrough {
				zw.Reset(io.Discard)
			}
			_ = zw.Close()
			gzipWriters.Put(zw)
		}()

		next.ServeHTTP(gw, r)
	})
}
