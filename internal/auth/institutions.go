package auth

import (
	"fmt"
	"strings"
)

// Institution is an organisation recognised by its email domain.
type Institution struct {
	ID           string `yaml:"institution_id" json:"institution_id" validate:"required"`
	Name         string `yaml:"name" json:"name" validate:"required"`
	Domain       string `yaml:"domain" json:"domain" validate:"required,fqdn"`
	AuthProvider string `yaml:"auth_provider" json:"auth_provider,omitempty"`
	LogoURL      string `yaml:"logo_url" json:"logo_url,omitempty" validate:"omitempty,url"`
	PrimaryColor string `yaml:"primary_color" json:"primary_color,omitempty" validate:"omitempty,hexcolor"`
	Enabled      bool   `yaml:"enabled" json:"enabled"`
}

// PublicInstitution is the listing shape shown to unauthenticated clients.
type PublicInstitution struct {
	ID           string `json:"institution_id"`
	Name         string `json:"name"`
	Domain       string `json:"domain"`
	LogoURL      string `json:"logo_url,omitempty"`
	PrimaryColor string `json:"primary_color,omitempty"`
}

// Institutions is an immutable lookup over the configured institutions.
type Institutions struct {
	ordered  []Institution
	byDomain map[string]int
	byID     map[string]int
}

// NewInstitutions indexes list. Domains and ids must be unique.
func NewInstitutions(list []Institution) (*Institutions, error) {
	inst := &Institutions{
		ordered:  make([]Institution, 0, len(list)),
		byDomain: make(map[string]int, len(list)),
		byID:     make(map[string]int, len(list)),
	}
	for _, entry := range list {
		domain := strings.ToLower(strings.TrimSpace(entry.Domain))
		if _, dup := inst.byDomain[domain]; dup {
			return nil, fmt.Errorf("duplicate institution domain %q", domain)
		}
		if _, dup := inst.byID[entry.ID]; dup {
			return nil, fmt.Errorf("duplicate institution id %q", entry.ID)
		}
		entry.Domain = domain
		inst.byDomain[domain] = len(inst.ordered)
		inst.byID[entry.ID] = len(inst.ordered)
		inst.ordered = append(inst.ordered, entry)
	}
	return inst, nil
}

// ByDomain looks up an institution by email domain, case-insensitively.
func (i *Institutions) ByDomain(domain string) (Institution, bool) {
	idx, ok := i.byDomain[strings.ToLower(strings.TrimSpace(domain))]
	if !ok {
		return Institution{}, false
	}
	return i.ordered[idx], true
}

// ByID looks up an institution by id.
func (i *Institutions) ByID(id string) (Institution, bool) {
	idx, ok := i.byID[id]
	if !ok {
		return Institution{}, false
	}
	return i.ordered[idx], true
}

// ForEmail returns the enabled institution matching the address's domain.
func (i *Institutions) ForEmail(email string) (Institution, bool) {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return Institution{}, false
	}
	inst, ok := i.ByDomain(email[at+1:])
	if !ok || !inst.Enabled {
		return Institution{}, false
	}
	return inst, true
}

// DefaultRole is student for members of an enabled institution, guest
// otherwise.
func (i *Institutions) DefaultRole(email string) (Role, string) {
	if inst, ok := i.ForEmail(email); ok {
		return RoleStudent, inst.ID
	}
	return RoleGuest, ""
}

// Public lists enabled institutions without provider configuration.
func (i *Institutions) Public() []PublicInstitution {
	out := make([]PublicInstitution, 0, len(i.ordered))
	for _, inst := range i.ordered {
		if !inst.Enabled {
			continue
		}
		out = append(out, PublicInstitution{
			ID:           inst.ID,
			Name:         inst.Name,
			Domain:       inst.Domain,
			LogoURL:      inst.LogoURL,
			PrimaryColor: inst.PrimaryColor,
		})
	}
	return out
}
