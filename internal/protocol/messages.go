package protocol

import (
	"github.com/coverdrop/coverdrop/internal/crypto"
)

// EncryptedUserToJournalistMessage is a Plaintext sealed for a journalist's
// messaging key. Nobody but the journalist's identity-api-issued secret key
// can open it, not even the CoverNode that relays it.
type EncryptedUserToJournalistMessage [UserToJournalistEncryptedMessageLen]byte

// SealUserToJournalistMessage builds an EncryptedUserToJournalistMessage.
func SealUserToJournalistMessage(journalistPub crypto.SignedPublicEncryptionKey[crypto.JournalistMessaging], text string) (EncryptedUserToJournalistMessage, error) {
	var out EncryptedUserToJournalistMessage
	padded, err := Pad(text)
	if err != nil {
		return out, err
	}
	sealed, err := crypto.AnonymousBox(journalistPub, padded[:])
	if err != nil {
		return out, err
	}
	if len(sealed) != UserToJournalistEncryptedMessageLen {
		return out, ErrWrongMessageSize
	}
	copy(out[:], sealed)
	return out, nil
}

// OpenUserToJournalistMessage recovers the plaintext using the journalist's
// messaging secret key.
func OpenUserToJournalistMessage(msg EncryptedUserToJournalistMessage, journalistSecret [crypto.PublicKeyLen]byte) (string, error) {
	plain, err := crypto.AnonymousOpen[crypto.JournalistMessaging](msg[:], journalistSecret)
	if err != nil {
		return "", err
	}
	var padded [PaddedCompressedStringLen]byte
	if len(plain) != PaddedCompressedStringLen {
		return "", ErrWrongMessageSize
	}
	copy(padded[:], plain)
	return Unpad(padded)
}

// UserToCoverNodeMessage is the plaintext sealed inside
// EncryptedUserToCoverNodeMessage: either a real message addressed by
// RecipientTag, or cover traffic indistinguishable from it once encrypted.
type UserToCoverNodeMessage struct {
	Cover        bool
	RecipientTag RecipientTag
	Payload      EncryptedUserToJournalistMessage
}

// Serialize renders the message to its fixed-length wire form: tag || payload.
// Cover traffic serializes to the all-zero tag followed by all-zero payload
// bytes, which is exactly what a real message's ciphertext bytes are
// indistinguishable from once sealed.
func (m UserToCoverNodeMessage) Serialize() [UserToCoverNodeMessageLen]byte {
	var out [UserToCoverNodeMessageLen]byte
	if m.Cover {
		return out
	}
	copy(out[:RecipientTagLen], m.RecipientTag[:])
	copy(out[RecipientTagLen:], m.Payload[:])
	return out
}

// ParseUserToCoverNodeMessage recovers a UserToCoverNodeMessage from its
// wire form, classifying it as cover iff the tag is the reserved zero tag.
func ParseUserToCoverNodeMessage(wire [UserToCoverNodeMessageLen]byte) UserToCoverNodeMessage {
	var tag RecipientTag
	copy(tag[:], wire[:RecipientTagLen])
	if tag.IsCover() {
		return UserToCoverNodeMessage{Cover: true}
	}
	var payload EncryptedUserToJournalistMessage
	copy(payload[:], wire[RecipientTagLen:])
	return UserToCoverNodeMessage{RecipientTag: tag, Payload: payload}
}

// EncryptedUserToCoverNodeMessage is what a user POSTs to /v1/user/messages:
// the same UserToCoverNodeMessage plaintext sealed independently under every
// currently-valid CoverNode messaging key, so a message sent moments before
// a key rotation is still readable afterward.
type EncryptedUserToCoverNodeMessage []byte

func SealUserToCoverNodeMessage(coverNodePubs []crypto.SignedPublicEncryptionKey[crypto.CoverNodeMessaging], msg UserToCoverNodeMessage) (EncryptedUserToCoverNodeMessage, error) {
	wire := msg.Serialize()
	sealed, err := crypto.MultiAnonymousBox(coverNodePubs, wire[:])
	if err != nil {
		return nil, err
	}
	return EncryptedUserToCoverNodeMessage(sealed), nil
}

func OpenUserToCoverNodeMessage(env EncryptedUserToCoverNodeMessage, coverNodeSecret [crypto.PublicKeyLen]byte) (UserToCoverNodeMessage, error) {
	plain, err := crypto.MultiAnonymousOpen(env, UserToCoverNodeMessageLen, coverNodeSecret)
	if err != nil {
		return UserToCoverNodeMessage{}, err
	}
	var wire [UserToCoverNodeMessageLen]byte
	if len(plain) != UserToCoverNodeMessageLen {
		return UserToCoverNodeMessage{}, ErrWrongMessageSize
	}
	copy(wire[:], plain)
	return ParseUserToCoverNodeMessage(wire), nil
}

// CoverNodeToJournalistMessage is what the CoverNode re-wraps a user message
// into before it lands in a dead-drop. Re-wrapping adds no framing of its
// own: the fixed length comes entirely from the outer TwoPartyBox.
type CoverNodeToJournalistMessage struct {
	Payload EncryptedUserToJournalistMessage
}

func (m CoverNodeToJournalistMessage) Serialize() [CoverNodeToJournalistMessageLen]byte {
	var out [CoverNodeToJournalistMessageLen]byte
	copy(out[:], m.Payload[:])
	return out
}

// EncryptedCoverNodeToJournalistMessage is one fixed-length chunk of a
// user-to-journalist dead-drop's data field.
type EncryptedCoverNodeToJournalistMessage [CoverNodeToJournalistEncryptedLen]byte

// SealRealCoverNodeToJournalistMessage re-wraps an opaque
// EncryptedUserToJournalistMessage for delivery, authenticated as coming
// from this CoverNode to the named journalist's current messaging key. The
// CoverNode never decrypts payload; it only knows its length and where it is
// headed, by recipient tag.
func SealRealCoverNodeToJournalistMessage(
	journalistPub crypto.SignedPublicEncryptionKey[crypto.JournalistMessaging],
	coverNodeSecret [crypto.PublicKeyLen]byte,
	payload EncryptedUserToJournalistMessage,
) (EncryptedCoverNodeToJournalistMessage, error) {
	return sealCoverNodeToJournalistMessage(journalistPub, coverNodeSecret, payload)
}

// SealCoverCoverNodeToJournalistMessage produces a dead-drop chunk
// indistinguishable from a real one, using a freshly generated recipient key
// pair that is immediately discarded — the same defense that makes the
// outer layer of every real delivery uniform regardless of which journalist
// it is actually headed to.
func SealCoverCoverNodeToJournalistMessage(coverNodeSecret [crypto.PublicKeyLen]byte) (EncryptedCoverNodeToJournalistMessage, error) {
	ephemeral, err := crypto.GenerateEncryptionKeyPair[crypto.JournalistMessaging]()
	if err != nil {
		return EncryptedCoverNodeToJournalistMessage{}, err
	}
	fakeCert := crypto.SignedPublicEncryptionKey[crypto.JournalistMessaging]{Key: ephemeral.Public}
	var payload EncryptedUserToJournalistMessage // all-zero
	return sealCoverNodeToJournalistMessage(fakeCert, coverNodeSecret, payload)
}

func sealCoverNodeToJournalistMessage(
	journalistPub crypto.SignedPublicEncryptionKey[crypto.JournalistMessaging],
	coverNodeSecret [crypto.PublicKeyLen]byte,
	payload EncryptedUserToJournalistMessage,
) (EncryptedCoverNodeToJournalistMessage, error) {
	var out EncryptedCoverNodeToJournalistMessage
	wire := CoverNodeToJournalistMessage{Payload: payload}.Serialize()
	sealed, err := crypto.TwoPartyBox(journalistPub, coverNodeSecret, wire[:])
	if err != nil {
		return out, err
	}
	if len(sealed) != CoverNodeToJournalistEncryptedLen {
		return out, ErrWrongMessageSize
	}
	copy(out[:], sealed)
	return out, nil
}

// OpenCoverNodeToJournalistMessage is used by a journalist client reading a
// dead-drop chunk, authenticating that it came from the CoverNode holding
// coverNodePub and recovering the still-opaque user payload, which is then
// opened with OpenUserToJournalistMessage.
func OpenCoverNodeToJournalistMessage(chunk EncryptedCoverNodeToJournalistMessage, coverNodePub crypto.SignedPublicEncryptionKey[crypto.CoverNodeMessaging], journalistSecret [crypto.PublicKeyLen]byte) (EncryptedUserToJournalistMessage, error) {
	plain, err := crypto.TwoPartyOpen(chunk[:], coverNodePub, journalistSecret)
	if err != nil {
		return EncryptedUserToJournalistMessage{}, err
	}
	var payload EncryptedUserToJournalistMessage
	if len(plain) != CoverNodeToJournalistMessageLen {
		return payload, ErrWrongMessageSize
	}
	copy(payload[:], plain)
	return payload, nil
}

// EncryptedJournalistToUserMessage is a Plaintext sealed for the ephemeral
// mailbox key a user embeds in their outgoing message, so a journalist can
// reply without the user ever publishing a long-lived receiving key.
type EncryptedJournalistToUserMessage [JournalistToUserEncryptedMessageLen]byte

func SealJournalistToUserMessage(mailboxPub crypto.SignedPublicEncryptionKey[crypto.User], text string) (EncryptedJournalistToUserMessage, error) {
	var out EncryptedJournalistToUserMessage
	padded, err := Pad(text)
	if err != nil {
		return out, err
	}
	sealed, err := crypto.AnonymousBox(mailboxPub, padded[:])
	if err != nil {
		return out, err
	}
	if len(sealed) != JournalistToUserEncryptedMessageLen {
		return out, ErrWrongMessageSize
	}
	copy(out[:], sealed)
	return out, nil
}

// SealCoverJournalistToUserMessage produces a journalist-to-user dead-drop
// chunk indistinguishable from a real reply: an empty Plaintext sealed for a
// freshly generated, immediately discarded mailbox key pair. Unlike the
// user-to-journalist direction, the CoverNode never re-wraps a J2U payload —
// it is already anonymously boxed for the user's ephemeral mailbox key when
// the journalist submits it — so cover generation here only needs to match
// that same AnonymousBox shape, not a TwoPartyBox layer.
func SealCoverJournalistToUserMessage() (EncryptedJournalistToUserMessage, error) {
	ephemeral, err := crypto.GenerateEncryptionKeyPair[crypto.User]()
	if err != nil {
		return EncryptedJournalistToUserMessage{}, err
	}
	fakeCert := crypto.SignedPublicEncryptionKey[crypto.User]{Key: ephemeral.Public}
	return SealJournalistToUserMessage(fakeCert, "")
}

func OpenJournalistToUserMessage(msg EncryptedJournalistToUserMessage, mailboxSecret [crypto.PublicKeyLen]byte) (string, error) {
	plain, err := crypto.AnonymousOpen[crypto.User](msg[:], mailboxSecret)
	if err != nil {
		return "", err
	}
	var padded [PaddedCompressedStringLen]byte
	if len(plain) != PaddedCompressedStringLen {
		return "", ErrWrongMessageSize
	}
	copy(padded[:], plain)
	return Unpad(padded)
}

// JournalistToCoverNodeMessage is the plaintext sealed inside
// EncryptedJournalistToCoverNodeMessage.
type JournalistToCoverNodeMessage struct {
	Cover       bool
	MessageType MessageType
	Payload     EncryptedJournalistToUserMessage
}

func (m JournalistToCoverNodeMessage) Serialize() [JournalistToCoverNodeMessageLen]byte {
	var out [JournalistToCoverNodeMessageLen]byte
	if m.Cover {
		out[0] = flagJ2UCover
		return out
	}
	out[0] = flagJ2UReal
	out[1] = byte(m.MessageType)
	copy(out[journalistToCoverNodeFlagLen:], m.Payload[:])
	return out
}

func ParseJournalistToCoverNodeMessage(wire [JournalistToCoverNodeMessageLen]byte) JournalistToCoverNodeMessage {
	if wire[0] == flagJ2UCover {
		return JournalistToCoverNodeMessage{Cover: true}
	}
	var payload EncryptedJournalistToUserMessage
	copy(payload[:], wire[journalistToCoverNodeFlagLen:])
	return JournalistToCoverNodeMessage{MessageType: MessageType(wire[1]), Payload: payload}
}

// EncryptedJournalistToCoverNodeMessage is what a journalist POSTs to
// /v1/journalist/messages.
type EncryptedJournalistToCoverNodeMessage []byte

func SealJournalistToCoverNodeMessage(coverNodePubs []crypto.SignedPublicEncryptionKey[crypto.CoverNodeMessaging], msg JournalistToCoverNodeMessage) (EncryptedJournalistToCoverNodeMessage, error) {
	wire := msg.Serialize()
	sealed, err := crypto.MultiAnonymousBox(coverNodePubs, wire[:])
	if err != nil {
		return nil, err
	}
	return EncryptedJournalistToCoverNodeMessage(sealed), nil
}

func OpenJournalistToCoverNodeMessage(env EncryptedJournalistToCoverNodeMessage, coverNodeSecret [crypto.PublicKeyLen]byte) (JournalistToCoverNodeMessage, error) {
	plain, err := crypto.MultiAnonymousOpen(env, JournalistToCoverNodeMessageLen, coverNodeSecret)
	if err != nil {
		return JournalistToCoverNodeMessage{}, err
	}
	var wire [JournalistToCoverNodeMessageLen]byte
	if len(plain) != JournalistToCoverNodeMessageLen {
		return JournalistToCoverNodeMessage{}, ErrWrongMessageSize
	}
	copy(wire[:], plain)
	return ParseJournalistToCoverNodeMessage(wire), nil
}
