// Board revision profiles.
//
// Voltage and current ceilings and calibration plausibility ranges
// differ across hardware revisions; they are injected configuration
// loaded from a YAML profile, never hard-coded in the control or
// calibration paths.
//
// Copyright (C) 2026  Tinymovr Go Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// BoardProfile holds the per-revision hardware limits.
type BoardProfile struct {
	Revision string `yaml:"revision"`

	// Electrical trip levels.
	VBusMin   float64 `yaml:"vbus_min"`
	VBusMax   float64 `yaml:"vbus_max"`
	IPhaseMax float64 `yaml:"iphase_max"`

	// Calibration excitation ceiling.
	CalVoltageMax float64 `yaml:"cal_voltage_max"`
	CalCurrent    float64 `yaml:"cal_current"`

	// Plausibility ranges for measured motor parameters. A
	// calibration result outside these is a stage failure, not a
	// clamp.
	ResistanceMin float64 `yaml:"resistance_min"`
	ResistanceMax float64 `yaml:"resistance_max"`
	InductanceMin float64 `yaml:"inductance_min"`
	InductanceMax float64 `yaml:"inductance_max"`
}

// DefaultBoardProfile returns the limits of the reference R5.2 board.
func DefaultBoardProfile() BoardProfile {
	return BoardProfile{
		Revision:      "R5.2",
		VBusMin:       11.0,
		VBusMax:       26.0,
		IPhaseMax:     40.0,
		CalVoltageMax: 2.0,
		CalCurrent:    5.0,
		ResistanceMin: 0.005,
		ResistanceMax: 1.0,
		InductanceMin: 2e-6,
		InductanceMax: 5e-3,
	}
}

// LoadBoardProfile reads and validates a profile from a YAML file.
func LoadBoardProfile(path string) (BoardProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return BoardProfile{}, fmt.Errorf("config: reading board profile: %w", err)
	}
	p := DefaultBoardProfile()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return BoardProfile{}, fmt.Errorf("config: parsing board profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return BoardProfile{}, err
	}
	return p, nil
}

// Validate checks the profile for internal consistency.
func (p *BoardProfile) Validate() error {
	if p.Revision == "" {
		return fmt.Errorf("config: board profile: revision is required")
	}
	if p.VBusMax <= p.VBusMin {
		return fmt.Errorf("config: board profile %s: vbus_max %.2f must exceed vbus_min %.2f",
			p.Revision, p.VBusMax, p.VBusMin)
	}
	if p.IPhaseMax <= 0 {
		return fmt.Errorf("config: board profile %s: iphase_max must be positive", p.Revision)
	}
	if p.CalVoltageMax <= 0 || p.CalCurrent <= 0 {
		return fmt.Errorf("config: board profile %s: calibration excitation limits must be positive", p.Revision)
	}
	if p.ResistanceMin <= 0 || p.ResistanceMax <= p.ResistanceMin {
		return fmt.Errorf("config: board profile %s: invalid resistance range", p.Revision)
	}
	if p.InductanceMin <= 0 || p.InductanceMax <= p.InductanceMin {
		return fmt.Errorf("config: board profile %s: invalid inductance range", p.Revision)
	}
	return nil
}
