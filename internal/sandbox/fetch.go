package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dop251/goja"
)

// fetchFunc builds the ctx.fetch callable for one Execute call. The host
// performs the request synchronously and reads the body eagerly, so the
// response object handed to the handler resolves text()/json() without any
// further host round trip. execCtx threads the call's cancel signal into
// the outbound request.
func (s *Sandbox) fetchFunc(execCtx context.Context, vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			panic(vm.NewTypeError("fetch: url is required"))
		}
		rawURL := call.Arguments[0].String()

		method := http.MethodGet
		var body io.Reader
		headers := map[string]string{}

		if len(call.Arguments) > 1 && !goja.IsUndefined(call.Arguments[1]) && !goja.IsNull(call.Arguments[1]) {
			init := call.Arguments[1].ToObject(vm)
			if v := init.Get("method"); v != nil && !goja.IsUndefined(v) {
				method = strings.ToUpper(v.String())
			}
			if v := init.Get("body"); v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
				body = strings.NewReader(v.String())
			}
			if v := init.Get("headers"); v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
				hObj := v.ToObject(vm)
				for _, key := range hObj.Keys() {
					headers[key] = hObj.Get(key).String()
				}
			}
		}

		req, err := http.NewRequestWithContext(execCtx, method, rawURL, body)
		if err != nil {
			panic(vm.ToValue(fmt.Sprintf("fetch: %v", err)))
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := s.httpClient.Do(req)
		if err != nil {
			panic(vm.ToValue(fmt.Sprintf("fetch: %v", err)))
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, fetchBodyLimit))
		if err != nil {
			panic(vm.ToValue(fmt.Sprintf("fetch: read body: %v", err)))
		}

		return buildResponse(vm, resp, data)
	}
}

// buildResponse assembles the fetch response object visible to the handler.
func buildResponse(vm *goja.Runtime, resp *http.Response, data []byte) goja.Value {
	obj := vm.NewObject()
	_ = obj.Set("status", resp.StatusCode)
	_ = obj.Set("ok", resp.StatusCode >= 200 && resp.StatusCode < 300)

	hdrs := vm.NewObject()
	for k := range resp.Header {
		_ = hdrs.Set(strings.ToLower(k), resp.Header.Get(k))
	}
	_ = obj.Set("headers", hdrs)

	bodyText := string(data)
	_ = obj.Set("text", func(goja.FunctionCall) goja.Value {
		return vm.ToValue(bodyText)
	})
	_ = obj.Set("json", func(goja.FunctionCall) goja.Value {
		var parsed any
		if err := json.Unmarshal(data, &parsed); err != nil {
			panic(vm.ToValue(fmt.Sprintf("fetch: invalid JSON body: %v", err)))
		}
		return vm.ToValue(parsed)
	})
	return obj
}
