package protocol

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/postalsys/fleetbus/internal/crypto"
	"github.com/postalsys/fleetbus/internal/identity"
	"github.com/postalsys/fleetbus/internal/keystore"
)

type peer struct {
	id     *identity.Identity
	keys   *keystore.Keystore
	shared *keystore.SharedKeySet
	codec  *Codec
}

func newPeer(t *testing.T, name string, curve crypto.Curve) *peer {
	t.Helper()
	svc := crypto.NewService(nil)
	id, err := identity.Generate(svc, "fleet", name, curve)
	require.NoError(t, err)
	ks := keystore.New(id, svc)
	shared, err := keystore.NewSharedKeySet(keystore.MaxSharedKeyID, 2)
	require.NoError(t, err)
	return &peer{
		id:     id,
		keys:   ks,
		shared: shared,
		codec:  NewCodec(id, ks, shared, svc, nil),
	}
}

// introduce makes a and b trust each other and share the same shared key set.
func introduce(t *testing.T, a, b *peer) {
	t.Helper()
	require.NoError(t, a.keys.Add(keystore.RecordFromIdentity(b.id)))
	require.NoError(t, b.keys.Add(keystore.RecordFromIdentity(a.id)))
}

func installShared(t *testing.T, p *peer, id uint16, key []byte) {
	t.Helper()
	require.NoError(t, p.shared.Install(id, key))
}

func TestEnvelope_RoundTrip(t *testing.T) {
	messages := []Message{
		&Text{Text: "hello fleet"},
		&Binary{Data: []byte{0, 1, 2, 3, 255}},
		&Heartbeat{Sequence: 42},
		&ClientAnnounce{SystemName: "fleet", ClientName: "c", Curve: crypto.CurveP384, X: []byte{1}, Y: []byte{2}, HeartbeatInterval: 5 * time.Second},
		&ClientAnnounceResponse{Status: AnnounceAccepted, SharedKeyID: 3, SharedKey: make([]byte, 32), ServerHeartbeatInterval: time.Second},
		&ClientReannounceRequest{Reason: "restart"},
		&ClientDisconnect{Reason: "bye"},
		&SharedKeyUpdate{ID: 7, Key: make([]byte, 32)},
	}
	modes := []EncryptionMode{ModeNone, ModePrivateKey, ModeSharedKey}

	for _, curve := range []crypto.Curve{crypto.CurveP256, crypto.CurveP384, crypto.CurveP521} {
		client := newPeer(t, "client", curve)
		server := newPeer(t, "server", curve)
		introduce(t, client, server)

		key, err := crypto.NewService(nil).NewSymmetricKey()
		require.NoError(t, err)
		installShared(t, client, 0, key)
		installShared(t, server, 0, key)

		for _, mode := range modes {
			for _, msg := range messages {
				t.Run(curve.String()+"/"+mode.String()+"/"+msg.Type().String(), func(t *testing.T) {
					data, err := client.codec.Serialize(msg, server.id.Hash(), mode, FlagRPCRequest)
					require.NoError(t, err)

					env, err := server.codec.Deserialize(data)
					require.NoError(t, err)
					require.Equal(t, SignatureValid, env.SignatureStatus)
					require.Equal(t, client.id.Hash(), env.Sender)
					require.Equal(t, mode, env.Mode)
					require.True(t, env.Flags.Has(FlagRPCRequest))
					require.Equal(t, msg, env.Message)
					require.WithinDuration(t, time.Now(), env.Timestamp, time.Minute)
					if mode == ModeNone {
						require.Empty(t, env.IV)
					} else {
						require.Len(t, env.IV, crypto.IVSize)
					}
				})
			}
		}
	}
}

func TestEnvelope_Layout(t *testing.T) {
	client := newPeer(t, "client", crypto.CurveP256)
	server := newPeer(t, "server", crypto.CurveP256)
	introduce(t, client, server)

	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	client.codec.now = func() time.Time { return fixed }

	data, err := client.codec.Serialize(&Text{Text: "x"}, server.id.Hash(), ModePrivateKey, FlagBroadcast)
	require.NoError(t, err)

	require.Equal(t, uint32(FlagBroadcast), binary.LittleEndian.Uint32(data[0:4]))

	packed := binary.LittleEndian.Uint32(data[4:8])
	require.Equal(t, uint32(64), packed&0xFF, "signature length")
	require.Equal(t, uint32(16), packed>>8&0x1F, "iv length")
	require.Equal(t, uint32(ModePrivateKey), packed>>13&0x7, "mode")
	require.Equal(t, uint32(identity.HashLength), packed>>16&0x7F, "sender hash length")
	require.Equal(t, uint32(0), packed>>23, "shared key id")

	require.Equal(t, uint64(TimeToTicks(fixed)), binary.LittleEndian.Uint64(data[8:16]))
	require.Equal(t, client.id.Hash(), string(data[16:16+identity.HashLength]))

	sender, err := PeekSender(data)
	require.NoError(t, err)
	require.Equal(t, client.id.Hash(), sender)
}

func TestPackLengths_SharedKeyID(t *testing.T) {
	packed := packLengths(132, 16, ModeSharedKey, 95, MaxSharedKeyID)
	require.Equal(t, uint32(MaxSharedKeyID), packed>>23)
	require.Equal(t, uint32(132), packed&0xFF)
	require.Equal(t, uint32(95), packed>>16&0x7F)
}

func TestEnvelope_TamperDetection(t *testing.T) {
	client := newPeer(t, "client", crypto.CurveP256)
	server := newPeer(t, "server", crypto.CurveP256)
	introduce(t, client, server)

	data, err := client.codec.Serialize(&Text{Text: "tamper with me"}, server.id.Hash(), ModePrivateKey, 0)
	require.NoError(t, err)

	sigStart := len(data) - crypto.CurveP256.SignatureSize()
	ivStart := HeaderSize + identity.HashLength
	regions := map[string][]int{
		"timestamp":  {8, 15},
		"sender":     {HeaderSize, HeaderSize + 10, ivStart - 1},
		"iv":         {ivStart, ivStart + crypto.IVSize - 1},
		"ciphertext": {ivStart + crypto.IVSize, sigStart - 1},
		"signature":  {sigStart, len(data) - 1},
		"flags":      {0},
	}

	for name, offsets := range regions {
		for _, off := range offsets {
			tampered := append([]byte(nil), data...)
			tampered[off] ^= 0x01

			env, err := server.codec.Deserialize(tampered)
			require.ErrorIs(t, err, ErrSignatureInvalid, "%s byte %d", name, off)
			require.NotNil(t, env)
			require.Equal(t, SignatureInvalid, env.SignatureStatus)
			require.Nil(t, env.Message)
		}
	}
}

func TestEnvelope_LengthBlockTamper(t *testing.T) {
	client := newPeer(t, "client", crypto.CurveP256)
	server := newPeer(t, "server", crypto.CurveP256)
	introduce(t, client, server)
	key, err := client.shared.Rotate(crypto.NewService(nil))
	require.NoError(t, err)
	installShared(t, server, key.ID, key.Key)

	for _, mode := range []EncryptionMode{ModeNone, ModePrivateKey, ModeSharedKey} {
		data, err := client.codec.Serialize(&Text{Text: "lengths"}, server.id.Hash(), mode, 0)
		require.NoError(t, err)

		for off := 4; off < 8; off++ {
			for bit := 0; bit < 8; bit++ {
				tampered := append([]byte(nil), data...)
				tampered[off] ^= 1 << bit

				env, err := server.codec.Deserialize(tampered)
				require.Error(t, err, "%s byte %d bit %d", mode, off, bit)
				if !errors.Is(err, ErrMalformedEnvelope) {
					require.ErrorIs(t, err, ErrSignatureInvalid, "%s byte %d bit %d", mode, off, bit)
					require.Nil(t, env.Message)
				}
			}
		}
	}
}

func TestEnvelope_UnknownSenderFailsClosed(t *testing.T) {
	stranger := newPeer(t, "stranger", crypto.CurveP256)
	server := newPeer(t, "server", crypto.CurveP256)
	require.NoError(t, stranger.keys.Add(keystore.RecordFromIdentity(server.id)))

	data, err := stranger.codec.Serialize(&ClientAnnounce{SystemName: "fleet", ClientName: "stranger"}, "", ModeNone, FlagRPCRequest)
	require.NoError(t, err)

	env, err := server.codec.Deserialize(data)
	require.ErrorIs(t, err, ErrSignatureInvalid)
	require.ErrorIs(t, err, ErrUnknownIdentity)
	require.Equal(t, stranger.id.Hash(), env.Sender)
	require.Nil(t, env.Message)
}

func TestEnvelope_RetainedSharedKey(t *testing.T) {
	client := newPeer(t, "client", crypto.CurveP256)
	server := newPeer(t, "server", crypto.CurveP256)
	introduce(t, client, server)

	svc := crypto.NewService(nil)
	k0, err := server.shared.Rotate(svc)
	require.NoError(t, err)
	installShared(t, client, k0.ID, k0.Key)

	k1, err := server.shared.Rotate(svc)
	require.NoError(t, err)
	require.Equal(t, uint16(1), k1.ID)

	data, err := client.codec.Serialize(&Heartbeat{Sequence: 1}, "", ModeSharedKey, 0)
	require.NoError(t, err)

	env, err := server.codec.Deserialize(data)
	require.NoError(t, err)
	require.Equal(t, uint16(0), env.SharedKeyID)
	require.Equal(t, &Heartbeat{Sequence: 1}, env.Message)

	// Once id 0 falls out of the retention window it no longer decrypts.
	_, err = server.shared.Rotate(svc)
	require.NoError(t, err)
	env, err = server.codec.Deserialize(data)
	require.ErrorIs(t, err, ErrNoSharedKey)
	require.Equal(t, SignatureValid, env.SignatureStatus)
}

func TestEnvelope_SerializeErrors(t *testing.T) {
	client := newPeer(t, "client", crypto.CurveP256)

	_, err := client.codec.Serialize(&Text{}, "", ModePrivateKey, 0)
	require.Error(t, err)

	_, err = client.codec.Serialize(&Text{}, newPeer(t, "x", crypto.CurveP256).id.Hash(), ModePrivateKey, 0)
	require.ErrorIs(t, err, keystore.ErrUnknownIdentity)

	_, err = client.codec.Serialize(&Text{}, "", ModeSharedKey, 0)
	require.ErrorIs(t, err, ErrNoSharedKey)

	_, err = client.codec.Serialize(&Text{}, "", EncryptionMode(5), 0)
	require.Error(t, err)
}

func TestEnvelope_Malformed(t *testing.T) {
	client := newPeer(t, "client", crypto.CurveP256)
	server := newPeer(t, "server", crypto.CurveP256)
	introduce(t, client, server)

	data, err := client.codec.Serialize(&Text{Text: "x"}, "", ModeNone, 0)
	require.NoError(t, err)

	setPacked := func(fn func(uint32) uint32) []byte {
		b := append([]byte(nil), data...)
		binary.LittleEndian.PutUint32(b[4:8], fn(binary.LittleEndian.Uint32(b[4:8])))
		return b
	}

	cases := map[string][]byte{
		"empty":         {},
		"short header":  data[:HeaderSize-1],
		"truncated":     data[:HeaderSize+10],
		"iv on none":    setPacked(func(p uint32) uint32 { return p | 16<<8 }),
		"bad mode":      setPacked(func(p uint32) uint32 { return p | 7<<13 }),
		"no signature":  setPacked(func(p uint32) uint32 { return p &^ 0xFF }),
		"no sender":     setPacked(func(p uint32) uint32 { return p &^ (0x7F << 16) }),
		"encrypted w/o": setPacked(func(p uint32) uint32 { return p | uint32(ModeSharedKey)<<13 }),
	}
	for name, b := range cases {
		_, err := server.codec.Deserialize(b)
		require.ErrorIs(t, err, ErrMalformedEnvelope, name)
	}

	_, err = PeekSender(data[:4])
	require.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestTicks(t *testing.T) {
	require.Equal(t, int64(621355968000000000), TimeToTicks(time.Unix(0, 0)))

	now := time.Now().UTC().Truncate(100 * time.Nanosecond)
	require.True(t, now.Equal(TicksToTime(TimeToTicks(now))))
}
