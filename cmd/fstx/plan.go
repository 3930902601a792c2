// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/fstx/transaction"
)

// planValidate is the validator instance for plan files.
var planValidate *validator.Validate

func init() {
	planValidate = validator.New()
}

// Plan is a YAML-described set of ordered file operations.
//
// # Example
//
//	description: "swap config for staging"
//	operations:
//	  - kind: update
//	    path: /etc/app/config.yaml
//	    content: |
//	      env: staging
//	  - kind: delete
//	    path: /etc/app/config.yaml.old
type Plan struct {
	// Description says what the plan does, recorded in the change history.
	Description string `yaml:"description" validate:"required,max=500"`

	// Operations apply in listed order.
	Operations []PlanOperation `yaml:"operations" validate:"required,min=1,dive"`
}

// PlanOperation is one file mutation in a plan.
type PlanOperation struct {
	// Kind is create, update, or delete.
	Kind string `yaml:"kind" validate:"required,oneof=create update delete"`

	// Path is the target file.
	Path string `yaml:"path" validate:"required"`

	// Content is inline content for create and update.
	Content string `yaml:"content"`

	// ContentFile sources content from a file instead of inline.
	ContentFile string `yaml:"content_file" validate:"excluded_with=Content"`

	// Checksum optionally pins the expected SHA-256 of the target's
	// current content.
	Checksum string `yaml:"checksum" validate:"omitempty,len=64,hexadecimal"`

	// Mode is the file mode to apply on write, zero for the default.
	Mode uint32 `yaml:"mode"`
}

// loadPlan reads, parses, and validates a plan file.
func loadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan %s: %w", path, err)
	}

	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parsing plan %s: %w", path, err)
	}

	if err := planValidate.Struct(&plan); err != nil {
		return nil, fmt.Errorf("invalid plan %s: %w", path, err)
	}

	return &plan, nil
}

// toOperations converts plan entries into transaction operations,
// resolving content_file references.
func (p *Plan) toOperations() ([]transaction.Operation, error) {
	ops := make([]transaction.Operation, 0, len(p.Operations))
	for i, entry := range p.Operations {
		op := transaction.Operation{
			Kind:     transaction.OperationKind(entry.Kind),
			Path:     entry.Path,
			Checksum: entry.Checksum,
			Mode:     entry.Mode,
		}

		switch {
		case entry.ContentFile != "":
			data, err := os.ReadFile(entry.ContentFile)
			if err != nil {
				return nil, fmt.Errorf("operation %d: reading content file: %w", i, err)
			}
			op.Content = data
		case entry.Content != "":
			op.Content = []byte(entry.Content)
		}

		ops = append(ops, op)
	}
	return ops, nil
}
