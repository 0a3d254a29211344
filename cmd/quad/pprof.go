package main

import (
	"net/http"
	_ "net/http/pprof"
)

// servePprof blocks serving net/http/pprof's default mux on :6060, the same
// side-listener kcptun's client/main.go starts under --pprof.
func servePprof() error {
	return http.ListenAndServe(":6060", nil)
}
