package main

import (
	"os"

	// Reporting timezones must resolve on hosts without a zoneinfo database.
	_ "time/tzdata"

	"github.com/solatis/segmentkeeper/cmd/segmentkeeper/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
