// Minimal end-to-end check against a running govsignal API.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	baseURL   = getenv("API_URL", "http://localhost:8080")
	jwtSecret = os.Getenv("JWT_SECRET")
)

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	checkHealth()
	polls := listPolls()
	if len(polls) > 0 {
		getPoll(polls[0].ID)
	}
	checkMetrics()

	if jwtSecret == "" {
		fmt.Println("JWT_SECRET not set, skipping admin endpoints")
	} else {
		doReq("GET", "/v1/admin/intents", "", nil, nil, http.StatusUnauthorized)
		listIntents(mintToken())
	}

	fmt.Println("✓ all endpoints passed")
}

// ----------------------------- public

func checkHealth() {
	var resp struct{ Status string }
	doJSON("GET", "/healthz", nil, &resp, http.StatusOK)
	if resp.Status != "ok" {
		log.Fatalf("healthz: status %q", resp.Status)
	}
}

type poll struct {
	ID     string
	Title  string
	State  string
	Counts map[string]int
}

func listPolls() []poll {
	var out []poll
	doJSON("GET", "/v1/polls", nil, &out, http.StatusOK)
	for _, p := range out {
		fmt.Printf("  %s  %-9s %v  %s\n", p.ID, p.State, p.Counts, p.Title)
	}
	return out
}

func getPoll(id string) {
	var p poll
	doJSON("GET", "/v1/polls/"+id, nil, &p, http.StatusOK)
	if p.ID != id {
		log.Fatalf("poll %s: got %q", id, p.ID)
	}
	doJSON("GET", "/v1/polls/"+uuid.NewString(), nil, nil, http.StatusNotFound)
}

func checkMetrics() {
	res, err := http.Get(baseURL + "/metrics")
	if err != nil {
		log.Fatalf("metrics: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusNotFound {
		log.Fatalf("metrics: status %d", res.StatusCode)
	}
}

// ----------------------------- admin

func mintToken() string {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "smoke-test",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(5 * time.Minute)),
	})
	signed, err := tok.SignedString([]byte(jwtSecret))
	if err != nil {
		log.Fatalf("sign token: %v", err)
	}
	return signed
}

func listIntents(token string) {
	var intents []struct {
		ProposalID uint64
		Status     string
	}
	doReq("GET", "/v1/admin/intents", token, nil, &intents, http.StatusOK)
	for _, in := range intents {
		fmt.Printf("  proposal %d: %s\n", in.ProposalID, in.Status)
	}
}

// ----------------------------- helpers

func doJSON(method, path string, body, out any, want int) {
	doReq(method, path, "", body, out, want)
}

func doReq(method, path, token string, body, out any, want int) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			log.Fatalf("%s %s encode: %v", method, path, err)
		}
	}
	req, _ := http.NewRequest(method, baseURL+path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, path, err)
	}
	defer res.Body.Close()
	if res.StatusCode != want {
		log.Fatalf("%s %s: want %d got %d", method, path, want, res.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			log.Fatalf("%s %s decode: %v", method, path, err)
		}
	}
}
