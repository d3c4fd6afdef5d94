// Package main provides a development token validation service. It answers
// the gateway's POST {"token": "..."} calls with {"valid": bool}, verifying
// HS256 JWTs against a shared secret. With -issue it prints a signed token
// instead of serving.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const maxRequestBytes = 16 << 10

type verifier struct {
	secret   []byte
	issuer   string
	audience string
}

func (v *verifier) verify(tokenStr string) error {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	_, err := jwt.Parse(tokenStr, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, opts...)
	return err
}

func (v *verifier) issue(subject string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub":   subject,
		"exp":   time.Now().Add(ttl).Unix(),
		"iat":   time.Now().Unix(),
		"scope": "read write",
	}
	if v.issuer != "" {
		claims["iss"] = v.issuer
	}
	if v.audience != "" {
		claims["aud"] = v.audience
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

func newHandler(v *verifier, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /validate", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(&req); err != nil {
			http.Error(w, `{"error":"malformed request"}`, http.StatusBadRequest)
			return
		}
		valid := true
		if err := v.verify(req.Token); err != nil {
			logger.Info("token rejected", "reason", err)
			valid = false
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]bool{"valid": valid}) //nolint:errcheck
	})
	return mux
}

func main() {
	port := flag.Int("port", 3100, "port to listen on")
	secret := flag.String("secret", "", "HMAC secret (defaults to $JWT_SECRET)")
	issuer := flag.String("issuer", "", "required iss claim")
	audience := flag.String("audience", "", "required aud claim")
	issue := flag.String("issue", "", "print a signed token for this subject and exit")
	ttl := flag.Duration("ttl", 2*time.Hour, "lifetime of issued tokens")
	flag.Parse()

	if *secret == "" {
		*secret = os.Getenv("JWT_SECRET")
	}
	if *secret == "" {
		fmt.Fprintln(os.Stderr, "error: a secret is required (-secret or JWT_SECRET)")
		os.Exit(1)
	}
	v := &verifier{secret: []byte(*secret), issuer: *issuer, audience: *audience}

	if *issue != "" {
		s, err := v.issue(*issue, *ttl)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Print(s)
		return
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	addr := fmt.Sprintf(":%d", *port)
	logger.Info("token validator listening", "addr", addr, "issuer", *issuer, "audience", *audience)
	if err := http.ListenAndServe(addr, newHandler(v, logger)); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
