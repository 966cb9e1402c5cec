// The downstream-fake-server is an in-memory version of the remote
// comparison API, for running the server and dequeuer locally.
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/WebChangeDetector/webchangedetector-sub002/downstream"
	"github.com/WebChangeDetector/webchangedetector-sub002/downstream/downstreamtest"
	"github.com/gorilla/handlers"
)

func main() {
	s := downstreamtest.NewServer()
	// Existing groups can be referenced with group_id when enqueueing.
	s.AddGroup(downstream.Group{ID: "grp_example", Name: "https://example.com/", Enabled: true})
	if os.Getenv("FAIL_SYNC") == "true" {
		s.Fail("POST /v2/sync-urls", http.StatusInternalServerError, "Sync service unavailable")
	}
	port := os.Getenv("PORT")
	if port == "" {
		port = "9091"
	}
	log.Printf("Listening on port %s\n", port)
	log.Fatal(http.ListenAndServe(fmt.Sprintf(":%s", port), handlers.LoggingHandler(os.Stdout, s)))
}
