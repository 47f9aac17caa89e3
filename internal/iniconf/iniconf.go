package iniconf

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/ini.v1"

	"github.com/manish-psys/aioctl/internal/resource"
	"github.com/manish-psys/aioctl/internal/state"
	"github.com/manish-psys/aioctl/internal/step"
)

// Adapter converges single option values in INI-style service config files
// (nova.conf, glance-api.conf, cinder.conf and friends). Writes go through
// the same atomic write path as engine state so a crash mid-write can never
// leave a half-edited config for the service to choke on.
type Adapter struct {
	log zerolog.Logger

	// loadFile and writeFile are swappable for tests.
	loadFile  func(path string) (*ini.File, error)
	writeFile func(path string, data []byte, perm os.FileMode) error
}

func New(log zerolog.Logger, _ time.Duration) *Adapter {
	return &Adapter{
		log:       log.With().Str("component", "iniconf").Logger(),
		loadFile:  loadINI,
		writeFile: state.WriteFileAtomic,
	}
}

func loadINI(path string) (*ini.File, error) {
	return ini.LoadSources(ini.LoadOptions{
		// OpenStack configs carry repeated keys in some DSN sections; keep the
		// last one, matching oslo.config resolution.
		AllowShadows: false,
	}, path)
}

func (a *Adapter) Kinds() []resource.Kind {
	return []resource.Kind{resource.KindINIKey}
}

// target extracts and validates the file/section/option identity attrs.
func target(d resource.Descriptor) (file, section, option string, err error) {
	file, section, option = d.Attr("file"), d.Attr("section"), d.Attr("option")
	if file == "" || option == "" {
		return "", "", "", fmt.Errorf("ini-key %s: file and option attrs are required", d.ID)
	}
	// Empty section means the top-level (DEFAULT) section.
	return file, section, option, nil
}

func (a *Adapter) Probe(_ context.Context, d resource.Descriptor) (resource.ProbeResult, error) {
	if d.Kind != resource.KindINIKey {
		return resource.ProbeResult{}, fmt.Errorf("iniconf: unsupported kind %q", d.Kind)
	}
	file, section, option, err := target(d)
	if err != nil {
		return resource.ProbeResult{}, err
	}
	f, err := a.loadFile(file)
	if err != nil {
		if os.IsNotExist(err) {
			return resource.ProbeResult{Exists: false}, nil
		}
		a.log.Warn().Err(err).Str("file", file).Msg("config probe failed")
		return resource.ProbeResult{Unknown: true}, err
	}
	sec := f.Section(section)
	if !sec.HasKey(option) {
		return resource.ProbeResult{Exists: false}, nil
	}
	return resource.ProbeResult{Exists: true, Attrs: map[string]string{
		"file":    file,
		"section": section,
		"option":  option,
		"value":   sec.Key(option).String(),
	}}, nil
}

func (a *Adapter) Apply(_ context.Context, d resource.Descriptor, _ resource.ProbeResult) error {
	file, section, option, err := target(d)
	if err != nil {
		return err
	}
	f, err := a.loadFile(file)
	if err != nil {
		if !os.IsNotExist(err) {
			return &step.ActionError{Desc: d, Err: fmt.Errorf("load %s: %w", file, err)}
		}
		f = ini.Empty()
	}
	f.Section(section).Key(option).SetValue(d.Attr("value"))

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return &step.ActionError{Desc: d, Err: fmt.Errorf("render %s: %w", file, err)}
	}
	data := buf.Bytes()
	// The serializer drops the [DEFAULT] header for the leading section, but
	// oslo.config refuses options that appear before the first header.
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] != '[' {
		data = append([]byte("[DEFAULT]\n"), data...)
	}
	// 0640: these files routinely hold DB and rabbit credentials.
	if err := a.writeFile(file, data, 0o640); err != nil {
		return &step.ActionError{Desc: d, Err: fmt.Errorf("write %s: %w", file, err)}
	}
	a.log.Info().Str("file", file).Str("section", section).Str("option", option).Msg("config updated")
	return nil
}
