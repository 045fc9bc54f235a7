// Package service runs the approver and agent ends of vaultlink over a
// transport connection.
//
// ApproverService listens for agents, issues pairing codes on request,
// answers pairing handshakes and parks credential requests for a human
// decision. AgentService dials an approver, pairs with the display code a
// human relays, and submits credential requests on established sessions.
//
// Pairing flow (agent → approver unless noted):
//
//	PairingCodeRequest
//	PairingCodeOffer      (approver → agent; display code shown locally)
//	PairingInit           (PAKE message)
//	PairingResponse       (approver → agent; PAKE message + confirmation)
//	PairingConfirm        (confirmation)
//	PairingComplete       (approver → agent; session id)
//
// Any failure is answered with an ErrorMsg whose subject is the code id and
// ends the attempt. With the default configuration one failed attempt
// retires the code.
package service
