// Package config loads the sqlassistd configuration file. YAML is the
// default format; files ending in .json are decoded as JSON. Every omitted
// field receives a default, relative paths are resolved against the
// directory holding the file, and a few SQLASSIST_* environment variables
// override the file.
package config
