// Package exchange drives the credential request and approval sequence over
// an established session.
//
// The agent side (Requester) seals a CredentialRequest, sends it and waits
// for the reply with a bounded timeout. The approver side (Approver) opens
// the request, surfaces it to a Prompter and waits without a timeout for a
// human decision, then answers with a credential from the Vault or a
// denial. Revocation ends every pending exchange of the session.
//
// Both sides record each exchange as a state machine:
//
//	Idle -> RequestSent -> AwaitingApproval -> Approved -> Delivered
//	                                        -> Denied   -> Failed
//
// Any non-terminal state may move to Failed on an error or to Terminated on
// revocation. Nothing is retried automatically.
package exchange
