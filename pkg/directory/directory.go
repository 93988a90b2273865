// Package directory is the read-only employee lookup the loan engine
// validates requests against.
package directory

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/mcclellann/payAdvance/pkg/models"
	"gopkg.in/yaml.v3"
)

type Employee struct {
	ID              string `yaml:"id" json:"id"`
	Name            string `yaml:"name" json:"name"`
	PayrollCurrency string `yaml:"payroll_currency" json:"payroll_currency"`
	Active          bool   `yaml:"active" json:"active"`
}

// Directory resolves employee ids.
type Directory interface {
	// Lookup returns models.ErrEmployeeNotFound for unknown ids.
	Lookup(ctx context.Context, employeeID string) (Employee, error)
}

// Static serves a fixed set of employees.
type Static struct {
	mu        sync.RWMutex
	employees map[string]Employee
}

func NewStatic(employees ...Employee) *Static {
	s := &Static{employees: make(map[string]Employee, len(employees))}
	for _, e := range employees {
		s.employees[e.ID] = e
	}
	return s
}

type file struct {
	Employees []Employee `yaml:"employees"`
}

// Load parses a YAML document of the form
//
//	employees:
//	  - id: emp-1
//	    name: Ada Lovelace
//	    payroll_currency: EUR
//	    active: true
func Load(data []byte) (*Static, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse employee directory: %w", err)
	}
	seen := make(map[string]bool, len(f.Employees))
	for i, e := range f.Employees {
		if strings.TrimSpace(e.ID) == "" {
			return nil, fmt.Errorf("employee directory entry %d has no id", i)
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("employee %q listed twice", e.ID)
		}
		seen[e.ID] = true
	}
	return NewStatic(f.Employees...), nil
}

// LoadFile reads a directory file from disk.
func LoadFile(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read employee directory: %w", err)
	}
	return Load(data)
}

func (s *Static) Lookup(_ context.Context, employeeID string) (Employee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.employees[employeeID]
	if !ok {
		return Employee{}, fmt.Errorf("%w: %s", models.ErrEmployeeNotFound, employeeID)
	}
	return e, nil
}

// Put adds or replaces an employee.
func (s *Static) Put(e Employee) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.employees[e.ID] = e
}

// Require looks up employeeID and fails with models.ErrEmployeeInactive for
// employees that are no longer active.
func Require(ctx context.Context, d Directory, employeeID string) (Employee, error) {
	e, err := d.Lookup(ctx, employeeID)
	if err != nil {
		return Employee{}, err
	}
	if !e.Active {
		return Employee{}, fmt.Errorf("%w: %s", models.ErrEmployeeInactive, employeeID)
	}
	return e, nil
}
