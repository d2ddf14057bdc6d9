/*
Package ports defines the driven ports (interfaces) of the fedmesh engine.

These interfaces decouple the round protocol from the concrete transports, models,
cryptosystems and storage backends, so the same orchestration logic runs in a single
process or across ranks.

# Key Interfaces

  - Transport: coordinator-side broadcast and collection of phase-tagged envelopes.
  - Endpoint / RoundHandler: the participant side of a transport.
  - Comm: point-to-point frame exchange keyed by integer rank.
  - Model / Trainer: the opaque model oracle and local optimization step.
  - Adder / Encryptor / Decryptor: the additive-homomorphic encryption oracle.
  - CheckpointStore / DistributedLocker: persistence of the global model between rounds.
*/
package ports
