package main

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/btouchard/dispatchboard/internal/dispatch"
	"github.com/btouchard/dispatchboard/internal/store"
)

// Fixtures is the seed file accepted by the provision subcommand.
//
//	teams:
//	  - name: North
//	accounts:
//	  - username: alice
//	    email: alice@example.com
//	    technician:
//	      name: Alice
//	      team: North
//	      status: available
type Fixtures struct {
	Teams    []TeamFixture    `yaml:"teams"`
	Accounts []AccountFixture `yaml:"accounts"`
}

type TeamFixture struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type AccountFixture struct {
	Username   string             `yaml:"username"`
	Email      string             `yaml:"email"`
	Technician *TechnicianFixture `yaml:"technician"`
}

type TechnicianFixture struct {
	Name      string   `yaml:"name"`
	Team      string   `yaml:"team"`
	Status    string   `yaml:"status"`
	Latitude  *float64 `yaml:"latitude"`
	Longitude *float64 `yaml:"longitude"`
}

// ProvisionResult counts the records created.
type ProvisionResult struct {
	Teams       int
	Accounts    int
	Technicians int
}

func loadFixtures(path string) (*Fixtures, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading fixtures: %w", err)
	}
	var f Fixtures
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing fixtures: %w", err)
	}
	return &f, nil
}

// provision validates f completely, then creates teams first so
// technicians can reference them by name.
func provision(ctx context.Context, p store.Provisioner, f *Fixtures) (ProvisionResult, error) {
	var res ProvisionResult

	teamNames := make(map[string]bool, len(f.Teams))
	for _, t := range f.Teams {
		if t.Name == "" {
			return res, fmt.Errorf("team without a name")
		}
		if teamNames[t.Name] {
			return res, fmt.Errorf("team %q listed twice", t.Name)
		}
		teamNames[t.Name] = true
	}

	techs := make([]*dispatch.Technician, len(f.Accounts))
	for i, a := range f.Accounts {
		if a.Username == "" {
			return res, fmt.Errorf("account %d: username is required", i+1)
		}
		if a.Technician == nil {
			continue
		}
		tech, err := technicianFrom(a, teamNames)
		if err != nil {
			return res, fmt.Errorf("account %q: %w", a.Username, err)
		}
		techs[i] = tech
	}

	teamIDs := make(map[string]int64, len(f.Teams))
	for _, t := range f.Teams {
		id, err := p.CreateTeam(ctx, &dispatch.Team{Name: t.Name, Description: t.Description})
		if err != nil {
			return res, fmt.Errorf("team %q: %w", t.Name, err)
		}
		teamIDs[t.Name] = id
		res.Teams++
	}

	for i, a := range f.Accounts {
		accountID, err := p.CreateAccount(ctx, &dispatch.Account{Username: a.Username, Email: a.Email})
		if err != nil {
			return res, fmt.Errorf("account %q: %w", a.Username, err)
		}
		res.Accounts++

		tech := techs[i]
		if tech == nil {
			continue
		}
		tech.AccountID = accountID
		if team := a.Technician.Team; team != "" {
			id := teamIDs[team]
			tech.TeamID = &id
		}
		if _, err := p.CreateTechnician(ctx, tech); err != nil {
			return res, fmt.Errorf("technician for %q: %w", a.Username, err)
		}
		res.Technicians++
	}
	return res, nil
}

func technicianFrom(a AccountFixture, teams map[string]bool) (*dispatch.Technician, error) {
	f := a.Technician
	tech := &dispatch.Technician{Name: f.Name, Status: dispatch.TechnicianOffDuty}
	if tech.Name == "" {
		tech.Name = a.Username
	}
	if f.Status != "" {
		tech.Status = dispatch.TechnicianStatus(f.Status)
		if !tech.Status.Valid() {
			return nil, fmt.Errorf("unknown technician status %q", f.Status)
		}
	}
	if f.Team != "" && !teams[f.Team] {
		return nil, fmt.Errorf("unknown team %q", f.Team)
	}
	switch {
	case f.Latitude != nil && f.Longitude != nil:
		pos, err := dispatch.NewPosition(*f.Latitude, *f.Longitude)
		if err != nil {
			return nil, err
		}
		tech.Position = &pos
	case f.Latitude != nil || f.Longitude != nil:
		return nil, fmt.Errorf("latitude and longitude must be set together")
	}
	return tech, nil
}
