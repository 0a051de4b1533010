package main

import (
	"fmt"
	"time"
)

// Set via -ldflags "-X main.GitRevisionId=... -X main.BuildDate=..." at
// build time.
var (
	GitRevisionId string
	BuildDate     string
)

func version() {
	fmt.Println("alohartcd")

	if GitRevisionId != "" {
		fmt.Println("Git revision:\t", GitRevisionId)
	}
	if BuildDate != "" {
		fmt.Println("Build Date:\t", BuildDate)
	}

	fmt.Println("Copyright", time.Now().Year(), "Lanikai Labs. All rights reserved.")
	fmt.Println("")
}
