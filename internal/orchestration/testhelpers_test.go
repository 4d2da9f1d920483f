package orchestration

import (
	"time"

	"github.com/google/uuid"

	"github.com/rendis/procman/internal/identity"
)

var (
	testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	testActor = identity.MustActor("5790001330583", "EnergySupplier")
)

func actorID() identity.OperatingIdentity {
	return identity.ActorIdentity{Actor: testActor}
}

func userID() identity.OperatingIdentity {
	return identity.UserIdentity{UserID: uuid.New(), Actor: testActor}
}

// twoStepDescription is schedulable with a skippable second step.
func twoStepDescription() *Description {
	d := NewDescription(UniqueName{Name: "brs_023_027", Version: 1}, "StartCalculation")
	d.ID = uuid.New()
	d.CanBeScheduled = true
	d.IsDurableFunction = true
	d.AppendStep("Calculate", false)
	d.AppendStep("Enqueue messages", true)
	return d
}
