package main

import (
	"errors"
	"log"
	"os"

	"github.com/withlazers/deployment-withlazers/cmd"
)

func main() {
	err := cmd.Run()
	if err == nil {
		return
	}
	var exitErr *cmd.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Err != nil {
			log.Printf("deployment-withlazers: %v", exitErr.Err)
		}
		os.Exit(exitErr.Code)
	}
	log.Fatalf("deployment-withlazers: %v", err)
}
