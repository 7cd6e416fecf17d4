package pulse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextLinksToGenesis(t *testing.T) {
	g := New(10_000)
	link, err := g.Next(nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), link.Counter)
	assert.Equal(t, hashBytes([]byte(GenesisSeed)), link.PrevHash, "the first link must chain from the genesis seed")
	assert.Equal(t, hashBytes([]byte(EnvGenesisSeed)), link.EnvHash)
	assert.True(t, g.Verify(link))
}

func TestNextIsMonotoneAndChains(t *testing.T) {
	g := New(10_000)
	first, err := g.Next(nil)
	require.NoError(t, err)
	second, err := g.Next(nil)
	require.NoError(t, err)

	assert.Equal(t, first.Counter+1, second.Counter)
	assert.Equal(t, first.Hash, second.PrevHash, "each link's PrevHash must equal its predecessor's Hash")
	assert.NotEqual(t, first.Hash, second.Hash)
}

func TestNextIsDeterministicGivenSameInputs(t *testing.T) {
	g1 := New(10_000)
	g2 := New(10_000)

	l1, err := g1.Next(nil)
	require.NoError(t, err)
	l2, err := g2.Next(nil)
	require.NoError(t, err)

	assert.Equal(t, l1.Hash, l2.Hash, "two fresh generators fed identical inputs must produce identical hashes")
}

func TestNextWithEnvDataChangesHash(t *testing.T) {
	g1 := New(10_000)
	g2 := New(10_000)

	plain, err := g1.Next(nil)
	require.NoError(t, err)
	withEnv, err := g2.Next(map[string]int{"temp_c": 21})
	require.NoError(t, err)

	assert.NotEqual(t, plain.Hash, withEnv.Hash, "injecting environmental data must change the resulting hash")
	assert.NotEqual(t, plain.EnvHash, withEnv.EnvHash)
}

func TestEnvHashInjectionIsSticky(t *testing.T) {
	g := New(10_000)
	withEnv, err := g.Next(map[string]int{"temp_c": 21})
	require.NoError(t, err)

	next, err := g.Next(nil)
	require.NoError(t, err)

	assert.Equal(t, withEnv.EnvHash, next.EnvHash, "a nil envData must reuse the last env-hash rather than resetting it")
}

func TestVerifyRejectsTamperedLink(t *testing.T) {
	g := New(10_000)
	link, err := g.Next(nil)
	require.NoError(t, err)

	tampered := link
	tampered.Hash[0] ^= 0xFF
	assert.False(t, g.Verify(tampered))
}

func TestVerifyRejectsGenesisCounter(t *testing.T) {
	assert.False(t, verifyLink(PulseHash{Counter: 0}), "counter 0 has no predecessor to verify against")
}

func TestExportImportRoundTrips(t *testing.T) {
	producer := New(10_000)
	var links []PulseHash
	for i := 0; i < 5; i++ {
		link, err := producer.Next(nil)
		require.NoError(t, err)
		links = append(links, link)
	}

	wire := producer.Export(0, 5)
	require.Len(t, wire, 5)

	consumer := New(10_000)
	require.NoError(t, consumer.Import(wire))

	latest, err := consumer.Latest()
	require.NoError(t, err)
	assert.Equal(t, links[len(links)-1].Hash, latest.Hash)
	assert.Equal(t, links[len(links)-1].Counter, latest.Counter)
}

func TestImportExtendsChainFromCurrentTip(t *testing.T) {
	producer := New(10_000)
	first, err := producer.Next(nil)
	require.NoError(t, err)

	consumer := New(10_000)
	require.NoError(t, consumer.Import([]WireLink{first.ToWire()}))

	second, err := producer.Next(nil)
	require.NoError(t, err)
	require.NoError(t, consumer.Import([]WireLink{second.ToWire()}))

	latest, err := consumer.Latest()
	require.NoError(t, err)
	assert.Equal(t, second.Hash, latest.Hash)
}

func TestImportRejectsBatchOnCorruptedLink(t *testing.T) {
	producer := New(10_000)
	var links []PulseHash
	for i := 0; i < 4; i++ {
		link, err := producer.Next(nil)
		require.NoError(t, err)
		links = append(links, link)
	}
	wire := producer.Export(0, 4)
	require.Len(t, wire, 4)

	// Corrupt a single byte in the middle link's hash: the whole batch
	// must be rejected, not just the bad link.
	wire[2].Hash = flipHexByte(wire[2].Hash)

	consumer := New(10_000)
	err := consumer.Import(wire)
	require.ErrorIs(t, err, ErrImportRejected)

	latest, err := consumer.Latest()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), latest.Counter, "a rejected batch must leave the local chain untouched (synthesizes a fresh genesis link)")
}

func TestImportRejectsBatchOnBrokenContinuity(t *testing.T) {
	producer := New(10_000)
	var wire []WireLink
	for i := 0; i < 3; i++ {
		link, err := producer.Next(nil)
		require.NoError(t, err)
		wire = append(wire, link.ToWire())
	}

	// Swap two links so the declared PrevHash chain no longer lines up.
	wire[0], wire[1] = wire[1], wire[0]

	consumer := New(10_000)
	err := consumer.Import(wire)
	assert.ErrorIs(t, err, ErrImportRejected)
}

func TestImportOfEmptyBatchIsNoop(t *testing.T) {
	g := New(10_000)
	assert.NoError(t, g.Import(nil))
}

// flipHexByte mutates one character of a hex-encoded hash string so the
// decoded bytes differ from the original, without changing its length.
func flipHexByte(h string) string {
	b := []byte(h)
	if b[0] == '0' {
		b[0] = '1'
	} else {
		b[0] = '0'
	}
	return string(b)
}
