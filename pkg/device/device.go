// Package device supplies the metadata reported with a tracking session.
package device

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"golang.org/x/text/language"
)

// Metadata describes the device a session runs on.
type Metadata struct {
	UserAgent        string
	Model            string
	OSVersion        string
	ScreenResolution string
	Timezone         string
	// Language is a base language subtag such as "en". Empty when unknown.
	Language string
}

// Provider returns device metadata.
type Provider interface {
	Metadata() Metadata
}

// Static is a Provider returning a fixed value, for embedding applications
// that collect metadata themselves and for tests.
type Static Metadata

// Metadata implements Provider.
func (s Static) Metadata() Metadata { return Metadata(s) }

// HostProvider derives metadata from the running process.
type HostProvider struct {
	// Getenv looks up environment variables. Defaults to os.Getenv.
	Getenv func(string) string
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
	// ScreenResolution is reported as-is, since a headless host has no screen.
	ScreenResolution string
}

// Host returns a HostProvider using the process environment.
func Host() *HostProvider {
	return &HostProvider{Getenv: os.Getenv, Now: time.Now, ScreenResolution: "0x0"}
}

// Metadata implements Provider.
func (h *HostProvider) Metadata() Metadata {
	getenv := h.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	now := h.Now
	if now == nil {
		now = time.Now
	}

	osVersion := runtime.GOOS
	if release := kernelRelease(); release != "" {
		osVersion += " " + release
	}

	return Metadata{
		UserAgent:        fmt.Sprintf("Go %s (%s; %s)", runtime.Version(), runtime.GOOS, runtime.GOARCH),
		Model:            runtime.GOOS + "/" + runtime.GOARCH,
		OSVersion:        osVersion,
		ScreenResolution: h.ScreenResolution,
		Timezone:         timezone(getenv, now),
		Language:         Language(firstNonEmpty(getenv("LC_ALL"), getenv("LC_MESSAGES"), getenv("LANG"))),
	}
}

// Language extracts the base language from a POSIX locale such as
// "en_US.UTF-8" or a BCP 47 tag such as "pt-BR". It returns "" for empty,
// "C", "POSIX" or unparsable input.
func Language(locale string) string {
	if i := strings.IndexAny(locale, ".@"); i >= 0 {
		locale = locale[:i]
	}
	locale = strings.ReplaceAll(locale, "_", "-")
	if locale == "" || locale == "C" || locale == "POSIX" {
		return ""
	}

	tag, err := language.Parse(locale)
	if err != nil {
		return ""
	}
	base, conf := tag.Base()
	if conf == language.No {
		return ""
	}
	return base.String()
}

func timezone(getenv func(string) string, now func() time.Time) string {
	if tz := strings.TrimPrefix(getenv("TZ"), ":"); tz != "" {
		return tz
	}
	if name := time.Local.String(); name != "" && name != "Local" {
		return name
	}
	name, _ := now().Zone()
	return name
}

func kernelRelease() string {
	if runtime.GOOS != "linux" {
		return ""
	}
	b, err := os.ReadFile("/proc/sys/kernel/osrelease")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
