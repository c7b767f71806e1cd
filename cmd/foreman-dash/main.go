// Package main implements the foreman-dash interactive dashboard.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
)

// robotMode outputs a one-shot JSON snapshot for scripts and agents.
func robotMode(ds *Datasource) ([]byte, error) {
	snap, err := ds.Fetch(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch snapshot: %w", err)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return data, nil
}

func main() {
	dbPath := flag.String("db", "foreman.db", "path to the foreman database")
	robot := flag.Bool("robot", false, "print a JSON snapshot and exit")
	flag.Parse()

	ds, err := NewDatasource(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	defer ds.Close()

	if *robot {
		data, err := robotMode(ds)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(data))
		return
	}

	p := tea.NewProgram(newModel(ds), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running dashboard: %v\n", err)
		os.Exit(1)
	}
}
