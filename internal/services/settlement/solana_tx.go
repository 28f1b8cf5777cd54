package settlement

import (
	"crypto/ed25519"
	"encoding/binary"

	"github.com/btcsuite/btcutil/base58"
	"github.com/pkg/errors"
)

const (
	systemProgramID         = "11111111111111111111111111111111"
	sysvarRecentBlockhashes = "SysvarRecentB1ockHashes11111111111111111111"

	systemIxTransfer     = 2
	systemIxAdvanceNonce = 4

	// version(4) state(4) authority(32) blockhash(32) lamports_per_signature(8)
	nonceAccountLen          = 80
	nonceStateInitialized    = 1
	nonceAuthorityOffset     = 8
	nonceBlockhashOffset     = 40
	nonceFeeCalculatorOffset = 72
)

type pubkey [32]byte

func parsePubkey(s string) (pubkey, error) {
	var k pubkey
	raw := base58.Decode(s)
	if len(raw) != len(k) {
		return k, errors.Errorf("invalid public key %q", s)
	}
	copy(k[:], raw)
	return k, nil
}

func (k pubkey) String() string {
	return base58.Encode(k[:])
}

var (
	systemProgram     = mustPubkey(systemProgramID)
	recentBlockhashes = mustPubkey(sysvarRecentBlockhashes)
)

func mustPubkey(s string) pubkey {
	k, err := parsePubkey(s)
	if err != nil {
		panic(err)
	}
	return k
}

type nonceAccount struct {
	authority            pubkey
	blockhash            pubkey
	lamportsPerSignature uint64
}

func parseNonceAccount(data []byte) (nonceAccount, error) {
	if len(data) < nonceAccountLen {
		return nonceAccount{}, errors.Errorf("nonce account data is %d bytes", len(data))
	}
	if binary.LittleEndian.Uint32(data[4:8]) != nonceStateInitialized {
		return nonceAccount{}, errors.New("nonce account is not initialized")
	}
	var n nonceAccount
	copy(n.authority[:], data[nonceAuthorityOffset:nonceBlockhashOffset])
	copy(n.blockhash[:], data[nonceBlockhashOffset:nonceFeeCalculatorOffset])
	n.lamportsPerSignature = binary.LittleEndian.Uint64(data[nonceFeeCalculatorOffset:nonceAccountLen])
	return n, nil
}

// durableTransfer is a system transfer whose first instruction advances a
// durable nonce, so the transaction stays valid until that nonce moves.
type durableTransfer struct {
	from     pubkey
	nonceAcc pubkey
	to       pubkey
	nonce    pubkey
	lamports uint64
}

// message serializes a legacy message. Account order: fee payer (signer,
// writable), nonce account and destination (writable), then the read-only
// sysvar and system program.
func (t durableTransfer) message() []byte {
	keys := []pubkey{t.from, t.nonceAcc, t.to, recentBlockhashes, systemProgram}
	const (
		idxFrom = iota
		idxNonce
		idxTo
		idxSysvar
		idxSystem
	)

	msg := []byte{1, 0, 2}
	msg = appendCompactU16(msg, len(keys))
	for _, k := range keys {
		msg = append(msg, k[:]...)
	}
	msg = append(msg, t.nonce[:]...)

	msg = appendCompactU16(msg, 2)

	advance := binary.LittleEndian.AppendUint32(nil, systemIxAdvanceNonce)
	msg = appendInstruction(msg, idxSystem, []byte{idxNonce, idxSysvar, idxFrom}, advance)

	transfer := binary.LittleEndian.AppendUint32(nil, systemIxTransfer)
	transfer = binary.LittleEndian.AppendUint64(transfer, t.lamports)
	msg = appendInstruction(msg, idxSystem, []byte{idxFrom, idxTo}, transfer)

	return msg
}

func appendInstruction(b []byte, program byte, accounts []byte, data []byte) []byte {
	b = append(b, program)
	b = appendCompactU16(b, len(accounts))
	b = append(b, accounts...)
	b = appendCompactU16(b, len(data))
	return append(b, data...)
}

// signTransaction returns the wire transaction and its base58 signature.
func signTransaction(key ed25519.PrivateKey, message []byte) ([]byte, string) {
	sig := ed25519.Sign(key, message)
	tx := appendCompactU16(nil, 1)
	tx = append(tx, sig...)
	tx = append(tx, message...)
	return tx, base58.Encode(sig)
}

func appendCompactU16(b []byte, v int) []byte {
	for {
		elem := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(b, elem)
		}
		b = append(b, elem|0x80)
	}
}
