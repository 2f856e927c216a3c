package covernode

import (
	"context"
	"fmt"
	"strconv"

	"github.com/coverdrop/coverdrop/internal/crypto"
	"github.com/coverdrop/coverdrop/internal/protocol"
	"github.com/coverdrop/coverdrop/pkg/telemetry"
)

// SecretRanker supplies a direction's candidate messaging secret keys,
// newest-first (rank 0), so a poller trying to open a batch of unrelated
// inbound ciphertexts tries the most likely key before falling back to
// older ones still valid during a rotation window.
type SecretRanker func() [][crypto.PublicKeyLen]byte

// JournalistEncryptionKeyByTag resolves the journalist a RecipientTag
// addresses to their current messaging public key, used to re-wrap a
// user-to-journalist message for the dead-drop. ok is false if the tag
// matches no known journalist, which the decoder treats as a decode
// failure rather than silently dropping the message.
type JournalistEncryptionKeyByTag func(tag protocol.RecipientTag) (key crypto.SignedPublicEncryptionKey[crypto.JournalistMessaging], ok bool)

// NewUserToJournalistDecoder builds the Decoder for the user-to-journalist
// direction: it opens the outer MultiAnonymousBox envelope by trying each
// ranked CoverNode messaging secret in turn, classifies the recovered
// plaintext as cover or real, and for real traffic re-wraps the still-opaque
// journalist payload with the CoverNode messaging secret that opened it,
// for the journalist's messaging key. Rank and
// outcome are reported to meter per the poller's "emit a metric tagged with
// rank on first success, a failure metric if every key fails" contract.
func NewUserToJournalistDecoder(secrets SecretRanker, resolveJournalist JournalistEncryptionKeyByTag, meter telemetry.Meter) Decoder {
	if meter == nil {
		meter = telemetry.NopMeterInstance
	}
	return func(raw []byte) ([]byte, bool, error) {
		ctx := context.Background()
		ranked := secrets()
		for rank, secret := range ranked {
			msg, err := protocol.OpenUserToCoverNodeMessage(protocol.EncryptedUserToCoverNodeMessage(raw), secret)
			if err != nil {
				continue
			}
			_ = telemetry.IncCounter(meter, ctx, "covernode_decrypt_success_total", 1, telemetry.Labels{
				"direction": "user_to_journalist",
				"rank":      strconv.Itoa(rank),
			})

			if msg.Cover {
				chunk, err := protocol.SealCoverCoverNodeToJournalistMessage(secret)
				if err != nil {
					return nil, false, fmt.Errorf("covernode: seal cover chunk: %w", err)
				}
				return chunk[:], false, nil
			}

			journalistPub, ok := resolveJournalist(msg.RecipientTag)
			if !ok {
				return nil, false, fmt.Errorf("covernode: no journalist known for recipient tag")
			}
			chunk, err := protocol.SealRealCoverNodeToJournalistMessage(journalistPub, secret, msg.Payload)
			if err != nil {
				return nil, false, fmt.Errorf("covernode: seal real chunk: %w", err)
			}
			return chunk[:], true, nil
		}
		_ = telemetry.IncCounter(meter, ctx, "covernode_decrypt_failure_total", 1, telemetry.Labels{
			"direction": "user_to_journalist",
		})
		return nil, false, fmt.Errorf("covernode: no candidate key opened the envelope")
	}
}

// NewJournalistToUserDecoder builds the Decoder for the journalist-to-user
// direction. Unlike the other direction, a real message's payload is
// already anonymously boxed for the user's ephemeral mailbox key when the
// journalist submits it, so there is nothing to re-wrap: the CoverNode only
// authenticates that one of its own keys opened the outer envelope and
// passes the inner payload through untouched.
func NewJournalistToUserDecoder(secrets SecretRanker, meter telemetry.Meter) Decoder {
	if meter == nil {
		meter = telemetry.NopMeterInstance
	}
	return func(raw []byte) ([]byte, bool, error) {
		ctx := context.Background()
		ranked := secrets()
		for rank, secret := range ranked {
			msg, err := protocol.OpenJournalistToCoverNodeMessage(protocol.EncryptedJournalistToCoverNodeMessage(raw), secret)
			if err != nil {
				continue
			}
			_ = telemetry.IncCounter(meter, ctx, "covernode_decrypt_success_total", 1, telemetry.Labels{
				"direction": "journalist_to_user",
				"rank":      strconv.Itoa(rank),
			})

			if msg.Cover {
				chunk, err := protocol.SealCoverJournalistToUserMessage()
				if err != nil {
					return nil, false, fmt.Errorf("covernode: seal cover reply: %w", err)
				}
				return chunk[:], false, nil
			}
			return msg.Payload[:], true, nil
		}
		_ = telemetry.IncCounter(meter, ctx, "covernode_decrypt_failure_total", 1, telemetry.Labels{
			"direction": "journalist_to_user",
		})
		return nil, false, fmt.Errorf("covernode: no candidate key opened the envelope")
	}
}
