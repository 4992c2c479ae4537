/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

func newLogger(verbose bool) *log.Logger {
	level := log.InfoLevel
	if verbose {
		level = log.DebugLevel
	}

	return log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      logDate,
		Level:           level,
	})
}

func getLogger(cfg *Config) *log.Logger {
	if cfg.logger == nil {
		cfg.logger = log.NewWithOptions(io.Discard, log.Options{})
	}

	return cfg.logger
}

func logf(cfg *Config, format string, args ...any) {
	if !cfg.verbose {
		return
	}

	getLogger(cfg).Infof(format, args...)
}

func logErrors(cfg *Config, errs <-chan error) {
	for err := range errs {
		getLogger(cfg).Error("request failed", "err", err)
	}
}

func newPage(title, body string) string {
	var htmlBody strings.Builder

	htmlBody.WriteString(`<!DOCTYPE html><html lang="en"><head>`)
	htmlBody.WriteString(getFavicon())
	htmlBody.WriteString(`<style>`)
	htmlBody.WriteString(`html,body,a{display:block;height:100%;width:100%;text-decoration:none;color:inherit;cursor:auto;}</style>`)
	htmlBody.WriteString(fmt.Sprintf("<title>%s</title></head>", title))
	htmlBody.WriteString(fmt.Sprintf("<body><a href=\"/\">%s</a></body></html>", body))

	return htmlBody.String()
}
