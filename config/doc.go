// Package config loads alertmq settings from a YAML file and ALERTMQ_*
// environment variables, and turns them into component options.
package config
