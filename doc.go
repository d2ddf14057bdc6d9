/*
Package fedmesh runs federated learning rounds between one Coordinator and a
fixed set of Participants.

Each round the Coordinator broadcasts the global parameters, every Participant
trains on its private data and returns a contribution weighted by its sample
count, and the Coordinator folds the weighted average back into the global
model. Contributions can be rewritten on their way out by transform layers,
such as top-k sparsification or additive-homomorphic encryption, without the
round protocol noticing.

# Usage

	setup, _ := simulation.Build(simulation.Config{...})
	engine, err := fedmesh.New(setup.Coordinator, setup.Transport, setup.IDs(),
		fedmesh.WithUnavailablePolicy(fedmesh.RetryRound(3, 100*time.Millisecond)),
	)
	if err != nil {
		log.Fatal(err)
	}
	defer engine.Close()

	res, err := engine.Run(ctx, 10, func(ctx context.Context, v domain.RoundView) {
		fmt.Println(v.Round, v.Coordinator.Parameters)
	})

# Transports

Participants can live in the same process (pkg/adapters/inproc) or in other
processes addressed by rank (pkg/adapters/ranked over pkg/adapters/comm/websocket).
Both enforce the same phase-tagged protocol: a reply for another round or
attempt is rejected, and a participant that does not answer in time aborts
the round without touching the global model.

# Persistence

With WithCheckpointStore the global model is saved after every round and an
interrupted run resumes where it stopped. WithLocker adds a distributed lock
so a run is never driven by two Coordinators.
*/
package fedmesh
