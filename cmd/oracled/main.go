package main

import (
	"log"

	"github.com/fulldecent/compound-oracle/services/oracled"
)

func main() {
	if err := oracled.Main(); err != nil {
		log.Fatalf("oracled: %v", err)
	}
}
