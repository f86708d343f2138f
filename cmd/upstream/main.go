// Command upstream is a demo application behind the gate. It echoes the
// request it received, including the identity headers the gate forwarded.
package main

import (
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/3xpluto/go-request-gate/internal/gate"
	"github.com/3xpluto/go-request-gate/internal/logging"
)

func main() {
	var (
		addr = flag.String("addr", ":9001", "listen address")
		name = flag.String("name", "upstream", "service name")
	)
	flag.Parse()

	log := logging.New()
	log.Info("upstream listening", slog.String("addr", *addr), slog.String("name", *name))

	srv := &http.Server{Addr: *addr, Handler: echo(*name), ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		log.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func echo(name string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"service": name,
			"method":  r.Method,
			"path":    r.URL.Path,
			"query":   r.URL.RawQuery,
			"user_id": r.Header.Get(gate.HeaderUserID),
			"role":    r.Header.Get(gate.HeaderRole),
			"headers": r.Header,
		})
	})
}
