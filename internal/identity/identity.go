package identity

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/rendis/procman/pkg/schema"
)

// ActorRole is the market role an actor operates in.
type ActorRole string

const (
	RoleDataHubAdministrator     ActorRole = "DataHubAdministrator"
	RoleEnergySupplier           ActorRole = "EnergySupplier"
	RoleGridAccessProvider       ActorRole = "GridAccessProvider"
	RoleBalanceResponsibleParty  ActorRole = "BalanceResponsibleParty"
	RoleSystemOperator           ActorRole = "SystemOperator"
	RoleDelegated                ActorRole = "Delegated"
	RoleMeteredDataAdministrator ActorRole = "MeteredDataAdministrator"
)

var validRoles = map[ActorRole]bool{
	RoleDataHubAdministrator:     true,
	RoleEnergySupplier:           true,
	RoleGridAccessProvider:       true,
	RoleBalanceResponsibleParty:  true,
	RoleSystemOperator:           true,
	RoleDelegated:                true,
	RoleMeteredDataAdministrator: true,
}

// ParseActorRole validates s as one of the known actor roles.
func ParseActorRole(s string) (ActorRole, error) {
	r := ActorRole(s)
	if !validRoles[r] {
		return "", schema.NewErrorf(schema.ErrCodeInvalidRequest, "invalid actor role %q", s)
	}
	return r, nil
}

// ValidateActorNumber accepts a GLN (13 digits) or an EIC (16 alphanumerics or '-').
func ValidateActorNumber(n string) error {
	switch len(n) {
	case 13:
		for _, c := range n {
			if c < '0' || c > '9' {
				return schema.NewErrorf(schema.ErrCodeInvalidRequest, "invalid GLN actor number %q", n)
			}
		}
		return nil
	case 16:
		for _, c := range n {
			if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'Z' || c == '-') {
				return schema.NewErrorf(schema.ErrCodeInvalidRequest, "invalid EIC actor number %q", n)
			}
		}
		return nil
	default:
		return schema.NewErrorf(schema.ErrCodeInvalidRequest,
			"actor number %q must be a 13 digit GLN or a 16 character EIC", n)
	}
}

// Actor is a market participant acting in one role.
type Actor struct {
	Number string    `json:"number"`
	Role   ActorRole `json:"role"`
}

// NewActor validates number and role.
func NewActor(number, role string) (Actor, error) {
	if err := ValidateActorNumber(number); err != nil {
		return Actor{}, err
	}
	r, err := ParseActorRole(role)
	if err != nil {
		return Actor{}, err
	}
	return Actor{Number: number, Role: r}, nil
}

// Validate checks the actor number and role.
func (a Actor) Validate() error {
	_, err := NewActor(a.Number, string(a.Role))
	return err
}

// Validate reports whether id can be persisted.
func Validate(id OperatingIdentity) error {
	_, err := ToRecord(id)
	return err
}

func (a Actor) String() string {
	return a.Number + "/" + string(a.Role)
}

// OperatingIdentity is who a command was issued on behalf of.
// Implemented only by ActorIdentity and UserIdentity.
type OperatingIdentity interface {
	ActingActor() Actor
	String() string
	operatingIdentity()
}

// ActorIdentity is a system-to-system caller.
type ActorIdentity struct {
	Actor Actor
}

func (ActorIdentity) operatingIdentity()   {}
func (i ActorIdentity) ActingActor() Actor { return i.Actor }
func (i ActorIdentity) String() string     { return "actor:" + i.Actor.String() }

// UserIdentity is an authenticated user acting for an actor.
type UserIdentity struct {
	UserID uuid.UUID
	Actor  Actor
}

func (UserIdentity) operatingIdentity()   {}
func (i UserIdentity) ActingActor() Actor { return i.Actor }
func (i UserIdentity) String() string {
	return "user:" + i.UserID.String() + "@" + i.Actor.String()
}

// Record type tags.
const (
	TypeActor = "actor"
	TypeUser  = "user"
)

// Record is the flat persisted form of an OperatingIdentity.
// Only the fields of the branch named by Type are populated.
type Record struct {
	Type        string `json:"type"`
	ActorNumber string `json:"actor_number,omitempty"`
	ActorRole   string `json:"actor_role,omitempty"`
	UserID      string `json:"user_id,omitempty"`
}

// ToRecord flattens id for storage. It rejects any identity FromRecord could
// not read back.
func ToRecord(id OperatingIdentity) (Record, error) {
	switch v := id.(type) {
	case ActorIdentity:
		if err := v.Actor.Validate(); err != nil {
			return Record{}, err
		}
		return Record{Type: TypeActor, ActorNumber: v.Actor.Number, ActorRole: string(v.Actor.Role)}, nil
	case *ActorIdentity:
		return ToRecord(*v)
	case UserIdentity:
		if v.UserID == uuid.Nil {
			return Record{}, schema.NewError(schema.ErrCodeInvalidRequest, "user identity requires a user id")
		}
		if err := v.Actor.Validate(); err != nil {
			return Record{}, err
		}
		return Record{Type: TypeUser, ActorNumber: v.Actor.Number, ActorRole: string(v.Actor.Role), UserID: v.UserID.String()}, nil
	case *UserIdentity:
		return ToRecord(*v)
	case nil:
		return Record{}, schema.NewError(schema.ErrCodeInvalidRequest, "operating identity is required")
	default:
		return Record{}, schema.NewErrorf(schema.ErrCodeInvalidRequest, "unsupported operating identity %T", id)
	}
}

// FromRecord rebuilds an OperatingIdentity from its flat form. Unknown tags and
// records carrying another branch's fields are rejected.
func FromRecord(r Record) (OperatingIdentity, error) {
	actor, err := NewActor(r.ActorNumber, r.ActorRole)
	if err != nil {
		return nil, err
	}
	switch r.Type {
	case TypeActor:
		if r.UserID != "" {
			return nil, schema.NewError(schema.ErrCodeInvalidRequest, "actor identity record must not carry a user id")
		}
		return ActorIdentity{Actor: actor}, nil
	case TypeUser:
		uid, err := uuid.Parse(r.UserID)
		if err != nil || uid == uuid.Nil {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidRequest, "invalid user id %q", r.UserID)
		}
		return UserIdentity{UserID: uid, Actor: actor}, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeInvalidRequest, "unknown identity type %q", r.Type)
	}
}

// Parse reads the compact form produced by String: "actor:<number>/<role>" or
// "user:<uuid>@<number>/<role>".
func Parse(s string) (OperatingIdentity, error) {
	kind, rest, ok := strings.Cut(s, ":")
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidRequest, "malformed identity %q", s)
	}
	rec := Record{Type: kind}
	if kind == TypeUser {
		uid, actorPart, ok := strings.Cut(rest, "@")
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidRequest, "malformed user identity %q", s)
		}
		rec.UserID, rest = uid, actorPart
	}
	number, role, ok := strings.Cut(rest, "/")
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidRequest, "malformed actor %q", rest)
	}
	rec.ActorNumber, rec.ActorRole = number, role
	return FromRecord(rec)
}

// MustActor is NewActor for static configuration; it panics on invalid input.
func MustActor(number, role string) Actor {
	a, err := NewActor(number, role)
	if err != nil {
		panic(fmt.Sprintf("identity: %v", err))
	}
	return a
}
