/*
Package transform holds the layers a party attaches to its outgoing contributions
and incoming aggregates.

A Chain applies its layers in attachment order on send and in reverse order on
receive, so the last layer to wrap a payload is the first to unwrap it:

	sparsify, _ := transform.NewSparsify(0.1)
	chain := transform.NewChain(sparsify, transform.NewEncryption(pub))

Order is significant. Sparsifying after encryption is rejected because magnitude
is undefined on ciphertext.
*/
package transform
