package worker

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/seantiz/kiln/internal/engine"
)

// parseOutput turns an application's stdout into a response. Output that
// opens with a header block terminated by a blank line is read CGI style:
// a Status header sets the status code and the rest become response
// headers. Any other output is the body of a 200 response.
func parseOutput(out []byte) (engine.Response, error) {
	resp := engine.Response{Status: http.StatusOK, Header: http.Header{}}

	br := bufio.NewReader(bytes.NewReader(out))
	mh, err := textproto.NewReader(br).ReadMIMEHeader()
	if err != nil {
		resp.Body = out
		return resp, nil
	}

	body, err := io.ReadAll(br)
	if err != nil {
		return engine.Response{}, fmt.Errorf("read body: %w", err)
	}
	resp.Body = body

	for name, values := range mh {
		if name != "Status" {
			resp.Header[name] = values
			continue
		}
		code, _, _ := strings.Cut(strings.TrimSpace(values[0]), " ")
		status, err := strconv.Atoi(code)
		if err != nil || status < 100 || status > 999 {
			return engine.Response{}, fmt.Errorf("invalid Status header %q", values[0])
		}
		resp.Status = status
	}
	return resp, nil
}

// requestEnv exposes a request to the application process as KILN_*
// environment variables.
func requestEnv(app, handlerID string, req *engine.Request) []string {
	env := []string{
		"KILN_APP=" + app,
		"KILN_HANDLER=" + handlerID,
		"KILN_REQUEST_METHOD=" + req.Method,
		"KILN_PATH_INFO=" + req.Path,
		"KILN_QUERY_STRING=" + req.Query,
		"KILN_REMOTE_ADDR=" + req.RemoteAddr,
		"KILN_CONTENT_LENGTH=" + strconv.Itoa(len(req.Body)),
	}
	for name, values := range req.Header {
		key := "KILN_HEADER_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		env = append(env, key+"="+strings.Join(values, ", "))
	}
	return env
}
