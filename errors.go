// Copyright (C) The Screenassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package screenassoc

import "fmt"

// ConfigurationError means the inputs cannot be aligned into one
// sample cohort (or are otherwise inconsistent with each other). The
// whole batch is abandoned.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Msg
}

func configErrorf(format string, args ...interface{}) error {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}

// DegenerateInputError means a row with zero variance reached a stage
// that divides by its standard deviation.
type DegenerateInputError struct {
	Stage string
	RowID string
}

func (e *DegenerateInputError) Error() string {
	return fmt.Sprintf("degenerate input in %s: row %q has zero variance", e.Stage, e.RowID)
}
