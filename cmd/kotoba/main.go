// Kotoba keeps a bounded, newest-first table of recent voice-assistant
// commands and publishes it as a JSON string for a dashboard table widget.
//
// Configuration is read from the YAML file named by KOTOBA_CONFIG (optional)
// and overridden by environment variables:
//
//	KOTOBA_CONFIG          - path to kotoba.yaml
//	KOTOBA_DB_PATH         - path to the SQLite state store (default: /data/kotoba.db)
//	KOTOBA_STATE_PATH      - output state (default: 0_userdata.0.Alexa-History-Script.JSON_Table)
//	KOTOBA_HISTORY_STATE   - history state to follow (default: alexa2.0.History.json)
//	KOTOBA_COLUMNS         - comma-separated table columns (default: time,name,summary)
//	KOTOBA_MAX_ENTRIES     - table length (default: 50)
//	KOTOBA_DATE_FORMAT     - time column template (default: "#DD.MM.YY# um hh:mm:ss Uhr")
//	KOTOBA_TIMEZONE        - IANA zone for dates and the midnight refresh
//	KOTOBA_HTTP_ADDR       - HTTP listen address; empty disables (default: ":8087")
//	KOTOBA_HTTP_TOKEN      - bearer token for the HTTP surface
//	KOTOBA_WATCH_FILE      - JSON file feeding the history state
//	MATRIX_HOMESERVER      - enables the Matrix source
//	MATRIX_USER_ID, MATRIX_ACCESS_TOKEN, KOTOBA_MATRIX_ROOM
//	LOG_LEVEL              - "debug", "info", "warn", "error" (default: "info")
//	LOG_FORMAT             - "text" or "json" (default: "text")
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/bdobrica/Kotoba/common/version"
	"github.com/bdobrica/Kotoba/internal/kotoba/app"
	"github.com/bdobrica/Kotoba/internal/kotoba/config"
	"github.com/bdobrica/Kotoba/internal/kotoba/observability"
)

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "version" || os.Args[1] == "--version") {
		fmt.Println(version.Info())
		return
	}

	cfg, warnings, err := config.Load(os.Getenv("KOTOBA_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	observability.Setup(cfg.LogLevel, cfg.LogFormat)
	for _, w := range warnings {
		slog.Warn("config warning", "problem", w)
	}
	slog.Info(version.Info())

	kotoba, err := app.New(cfg)
	if err != nil {
		slog.Error("failed to initialize Kotoba", "err", err)
		os.Exit(1)
	}
	if err := kotoba.Run(); err != nil {
		slog.Error("Kotoba exited with error", "err", err)
		os.Exit(1)
	}
}
