package middleware

import (
	"net/http"

	"github.com/klauspost/compress/gzhttp"
)

// Compress gzips responses for clients that accept it. Streaming endpoints
// must be mounted outside this middleware so events are not buffered.
func Compress() Middleware {
	wrap, err := gzhttp.NewWrapper(gzhttp.MinSize(512))
	if err != nil {
		// Only invalid static options can fail here.
		panic(err)
	}
	return func(next http.Handler) http.Handler {
		return wrap(next)
	}
}
