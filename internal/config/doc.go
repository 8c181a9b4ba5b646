// Package config loads settings from STORYBOARD_ environment variables and
// an optional config.yaml through viper, then validates them with
// go-playground/validator before any component starts.
package config
