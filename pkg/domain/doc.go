/*
Package domain contains the core types of the fedmesh round protocol.

It defines the values exchanged between the Coordinator and the Participants of a federated
run, the representation variants a contribution can take after passing through a transform
chain, and the error taxonomy shared by every layer. This package is kept pure and free of
I/O, following Hexagonal Architecture principles.

# Key Entities

  - Vector: the flattened global model parameters (GlobalModelState).
  - Payload: a PlaintextVector, EncryptedVector or SparseVector.
  - Contribution: one participant's payload for a round plus its sample count.
  - ContributionSet: contributions keyed by participant, iterated in insertion order.
  - Envelope: the phase-tagged message every transport carries.
  - RoundState: the orchestrator's state machine positions.
*/
package domain
