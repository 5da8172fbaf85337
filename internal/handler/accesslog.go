package handler

import (
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/gorilla/handlers"
)

// redacted replaces the value of sensitive query parameters in access logs.
const redacted = "REDACTED"

// sensitiveParams are the query parameters never written to access logs.
var sensitiveParams = []string{"access_token"}

// AccessLog wraps next with a Common Log Format access log written to out.
// Access tokens in the request URI are redacted.
func AccessLog(out io.Writer, next http.Handler) http.Handler {
	return handlers.CustomLoggingHandler(out, next, writeAccessLog)
}

func writeAccessLog(w io.Writer, p handlers.LogFormatterParams) {
	host, _, err := net.SplitHostPort(p.Request.RemoteAddr)
	if err != nil {
		host = p.Request.RemoteAddr
	}
	u := p.URL
	q := u.Query()
	for _, k := range sensitiveParams {
		if q.Has(k) {
			q.Set(k, redacted)
		}
	}
	u.RawQuery = q.Encode()
	fmt.Fprintf(w, "%s - - [%s] %q %d %d\n", host,
		p.TimeStamp.Format("02/Jan/2006:15:04:05 -0700"),
		p.Request.Method+" "+u.RequestURI()+" "+p.Request.Proto,
		p.StatusCode, p.Size)
}
