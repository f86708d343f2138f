package main

import (
	"flag"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/3xpluto/go-request-gate/internal/logging"
)

func main() {
	var (
		addr     = flag.String("addr", ":9009", "listen address")
		issuer   = flag.String("iss", "http://127.0.0.1:9009", "issuer claim")
		audience = flag.String("aud", "gatekeeper", "audience claim")
		ttl      = flag.Duration("ttl", 15*time.Minute, "access token lifetime")
		admins   = flag.String("admins", "admin_1", "comma separated admin user ids")
		pending  = flag.String("pending", "", "comma separated user ids that have not finished onboarding")
	)
	flag.Parse()

	log := logging.New()

	d, err := newDirectory(*issuer, *audience, *ttl, strings.Split(*admins, ","), strings.Split(*pending, ","))
	if err != nil {
		log.Error("key generation failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	log.Info("identitymock listening",
		slog.String("addr", *addr),
		slog.String("jwks_url", *issuer+"/.well-known/jwks.json"),
		slog.String("token_url", *issuer+"/token?sub=user_123"),
	)

	srv := &http.Server{Addr: *addr, Handler: d.routes(), ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		log.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
