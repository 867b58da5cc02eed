package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/streakchat/internal/config"
	"github.com/matheus3301/streakchat/internal/daemon"
	"github.com/matheus3301/streakchat/internal/profile"
	"go.uber.org/fx"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	checkFlag := flag.Bool("check", false, "validate the profile's settings and exit")
	flag.Parse()

	profileName, err := profile.Resolve(*profileFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *checkFlag {
		os.Exit(check(profileName))
	}

	fx.New(daemon.Module(daemon.Params{ProfileName: profileName})).Run()
}

func check(profileName string) int {
	path := profile.SettingsPath(profileName)
	s, err := config.LoadSettings(path)
	if err == nil {
		err = s.Validate()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
		return 1
	}
	fmt.Printf("profile %s ok: user=%s transport=%s debounce=%s timeout=%s\n",
		profileName, s.UserID, s.Transport, s.TypingDebounce, s.TypingTimeout)
	return 0
}
