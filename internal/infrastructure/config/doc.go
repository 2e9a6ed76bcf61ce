// Package config loads merossd settings from a YAML file.
//
// Values come from three layers, later ones winning: built-in defaults,
// the file, then MEROSS_* environment variables. The signing key and
// broker password belong in the environment (MEROSS_KEY,
// MEROSS_MQTT_PASSWORD), not in a file checked into a repository.
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    return err
//	}
//	timeout := config.Seconds(cfg.Meross.RequestTimeout)
//
// Load rejects unknown keys and reports every invalid setting at once.
package config
