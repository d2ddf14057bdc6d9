/*
Package session guards the checkpoints of training runs.

A Manager serializes access to the checkpoint of each run inside the process and,
when a distributed locker is configured, across Coordinator replicas, so a run is
never driven by two Coordinators at once.
*/
package session
