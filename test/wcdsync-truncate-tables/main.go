// Delete every row in the tables of the database in DATABASE_URL. Useful for
// resetting a local development database.
package main

import (
	"log"

	"github.com/WebChangeDetector/webchangedetector-sub002/setup"
	"github.com/WebChangeDetector/webchangedetector-sub002/test"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()
	d, err := setup.DB(setup.DefaultConnection, 1)
	if err != nil {
		log.Fatal(err)
	}
	defer d.Close()
	if _, err := setup.PrepareAll(d); err != nil {
		log.Fatal(err)
	}
	if err := test.TruncateTables(d); err != nil {
		log.Fatal(err)
	}
	log.Printf("truncated %d tables", len(test.Tables))
}
