package session

import "math/rand"

// idCharset omits I, O, 0, and 1, which misread easily when codes are
// shared by hand.
const idCharset = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// idGenerator produces session codes in XXXX-XXXX form. Each session
// owns its generator; there is no process-global state.
type idGenerator struct {
	rng *rand.Rand
}

func newIDGenerator(seed int64) *idGenerator {
	return &idGenerator{rng: rand.New(rand.NewSource(seed))}
}

func (g *idGenerator) Generate() string {
	code := make([]byte, 9)
	for i := 0; i < 4; i++ {
		code[i] = idCharset[g.rng.Intn(len(idCharset))]
	}
	code[4] = '-'
	for i := 5; i < 9; i++ {
		code[i] = idCharset[g.rng.Intn(len(idCharset))]
	}
	return string(code)
}
