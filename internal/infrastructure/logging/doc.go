// Package logging builds the merossd *slog.Logger from the logging section
// of the config file.
//
//	logging:
//	  level: info        # debug, info, warn, error
//	  format: json       # json or text
//	  output: file       # stdout, stderr, file, both
//	  file:
//	    path: ./logs/merossd.log
//	    max_size: 50     # MB before rotation
//	    max_backups: 5
//	    max_age: 28      # days
//
// File output rotates through lumberjack; call Close on shutdown to
// release it. Attributes named key, signing_key, password or token are
// written as [redacted], so the Meross signing key cannot leak through a
// careless log call.
//
//	log := logging.New(cfg.Logging, version)
//	defer log.Close()
//	log.With("component", "mqtt").Info("connected to broker", "broker", addr)
package logging
