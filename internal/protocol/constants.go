// Package protocol defines CoverDrop's wire message types: the fixed-length
// layered envelopes exchanged between users, CoverNodes, and journalists, and
// the recipient tag used to address a journalist without naming them.
package protocol

import "github.com/coverdrop/coverdrop/internal/crypto"

const (
	// RecipientTagLen is the length in bytes of a RecipientTag.
	RecipientTagLen = 4

	// CoverNodeWrappingKeyCount is the number of CoverNode messaging keys a
	// MultiAnonymousBox envelope is sealed under, so that a message sent
	// just before a key rotation can still be decrypted by the CoverNode
	// after it rotates.
	CoverNodeWrappingKeyCount = 2

	// PlaintextMaxLen bounds the compressed, padded plaintext carried inside
	// every user/journalist message, after framing (see Plaintext).
	PlaintextMaxLen = 600

	// plaintextLenPrefix is the width, in bytes, of the prefix recording the
	// true compressed length before zero-padding to PlaintextMaxLen.
	plaintextLenPrefix = 2

	// PaddedCompressedStringLen is the fixed length of a framed Plaintext:
	// a two-byte length prefix followed by PlaintextMaxLen padded bytes.
	PaddedCompressedStringLen = plaintextLenPrefix + PlaintextMaxLen

	// UserToJournalistEncryptedMessageLen is the length of a Plaintext
	// sealed with AnonymousBox for a journalist's messaging key.
	UserToJournalistEncryptedMessageLen = crypto.AnonymousBoxOverhead + PaddedCompressedStringLen

	// UserToCoverNodeMessageLen is RecipientTagLen followed by an
	// EncryptedUserToJournalistMessage; this is the plaintext sealed inside
	// EncryptedUserToCoverNodeMessage.
	UserToCoverNodeMessageLen = RecipientTagLen + UserToJournalistEncryptedMessageLen

	// CoverNodeToJournalistMessageLen is the length of the payload the
	// CoverNode re-wraps for delivery: it equals
	// UserToJournalistEncryptedMessageLen because re-wrapping adds no
	// additional framing, only an outer TwoPartyBox layer.
	CoverNodeToJournalistMessageLen = UserToJournalistEncryptedMessageLen

	// CoverNodeToJournalistEncryptedLen is the length of one dead-drop
	// chunk in the user-to-journalist direction.
	CoverNodeToJournalistEncryptedLen = crypto.TwoPartyBoxOverhead + CoverNodeToJournalistMessageLen

	// JournalistToUserEncryptedMessageLen is the length of a Plaintext
	// sealed with AnonymousBox for a user's ephemeral mailbox key.
	JournalistToUserEncryptedMessageLen = crypto.AnonymousBoxOverhead + PaddedCompressedStringLen

	// journalistToCoverNodeFlagLen accounts for the real/cover flag byte
	// plus the message-type byte prefixed to a JournalistToCoverNodeMessage.
	journalistToCoverNodeFlagLen = 2

	// JournalistToCoverNodeMessageLen is the plaintext sealed inside
	// EncryptedJournalistToCoverNodeMessage.
	JournalistToCoverNodeMessageLen = journalistToCoverNodeFlagLen + JournalistToUserEncryptedMessageLen

	// EncryptedUserToCoverNodeMessageLen is the fixed wire length of a POST
	// to /v1/user/messages: UserToCoverNodeMessageLen sealed independently
	// under CoverNodeWrappingKeyCount messaging keys.
	EncryptedUserToCoverNodeMessageLen = CoverNodeWrappingKeyCount * (crypto.AnonymousBoxOverhead + UserToCoverNodeMessageLen)

	// EncryptedJournalistToCoverNodeMessageLen is the fixed wire length of a
	// POST to /v1/journalist/messages.
	EncryptedJournalistToCoverNodeMessageLen = CoverNodeWrappingKeyCount * (crypto.AnonymousBoxOverhead + JournalistToCoverNodeMessageLen)
)

// Flag bytes distinguishing real traffic from cover traffic once a
// MultiAnonymousBox envelope has been opened.
const (
	flagJ2UCover byte = 0x00
	flagJ2UReal  byte = 0x01
)

// MessageType distinguishes an ordinary journalist reply from a handover, in
// which a journalist transfers an ongoing conversation to a colleague desk.
// This is additive relative to the distilled specification; see SPEC_FULL.md.
type MessageType byte

const (
	MessageTypeMessage  MessageType = 0x00
	MessageTypeHandover MessageType = 0x01
)
