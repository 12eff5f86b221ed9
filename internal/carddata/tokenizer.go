package carddata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anyulbade/vpos-engine/internal/model"
)

var ErrTokenNotFound = errors.New("card token not found")

// Vault stores token display data. It never receives the PAN; the reversible
// mapping stays with the acquiring bank.
type Vault interface {
	Put(ctx context.Context, tok *model.CardToken) error
	Get(ctx context.Context, token string) (*model.CardToken, error)
	FindByFingerprint(ctx context.Context, fingerprint string) (*model.CardToken, error)
}

type Tokenizer struct {
	vault  Vault
	pepper []byte
	now    func() time.Time
}

func NewTokenizer(vault Vault, pepper []byte) *Tokenizer {
	return &Tokenizer{vault: vault, pepper: pepper, now: time.Now}
}

// Tokenize validates the card and returns its token, reusing the existing
// token when the same card was seen before. A reissued card keeps its token
// and the stored expiry follows the new one.
func (t *Tokenizer) Tokenize(ctx context.Context, card model.CardData) (*model.CardToken, error) {
	pan := NormalizePAN(card.PAN)
	if err := ValidatePAN(pan); err != nil {
		return nil, model.WrapError(model.KindValidation, "tokenize", err)
	}
	fp := Fingerprint(pan, t.pepper)
	expiry := card.ExpiryYYMM()

	existing, err := t.vault.FindByFingerprint(ctx, fp)
	if err == nil {
		if expiry != "" && existing.ExpiryYYMM != expiry {
			existing.ExpiryYYMM = expiry
			if err := t.vault.Put(ctx, existing); err != nil {
				return nil, fmt.Errorf("update token expiry: %w", err)
			}
		}
		return existing, nil
	}
	if !errors.Is(err, ErrTokenNotFound) {
		return nil, fmt.Errorf("lookup fingerprint: %w", err)
	}

	tok := &model.CardToken{
		Token:       "ct_" + uuid.NewString(),
		Fingerprint: fp,
		MaskedPAN:   MaskCardNumber(pan),
		BIN:         pan[:6],
		Last4:       lastN(pan, 4),
		Brand:       DetectBrand(pan),
		ExpiryYYMM:  expiry,
		CreatedAt:   t.now().UTC(),
	}
	if err := t.vault.Put(ctx, tok); err != nil {
		return nil, fmt.Errorf("store token: %w", err)
	}
	return tok, nil
}

// Display returns the masked data behind a token.
func (t *Tokenizer) Display(ctx context.Context, token string) (*model.CardToken, error) {
	tok, err := t.vault.Get(ctx, token)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return nil, model.WrapError(model.KindNotFound, "display card", err)
		}
		return nil, err
	}
	return tok, nil
}

type MemoryVault struct {
	mu      sync.RWMutex
	byToken map[string]*model.CardToken
	byFP    map[string]string
}

func NewMemoryVault() *MemoryVault {
	return &MemoryVault{
		byToken: make(map[string]*model.CardToken),
		byFP:    make(map[string]string),
	}
}

func (v *MemoryVault) Put(_ context.Context, tok *model.CardToken) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	cp := *tok
	v.byToken[tok.Token] = &cp
	v.byFP[tok.Fingerprint] = tok.Token
	return nil
}

func (v *MemoryVault) Get(_ context.Context, token string) (*model.CardToken, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	tok, ok := v.byToken[token]
	if !ok {
		return nil, ErrTokenNotFound
	}
	cp := *tok
	return &cp, nil
}

func (v *MemoryVault) FindByFingerprint(ctx context.Context, fingerprint string) (*model.CardToken, error) {
	v.mu.RLock()
	token, ok := v.byFP[fingerprint]
	v.mu.RUnlock()
	if !ok {
		return nil, ErrTokenNotFound
	}
	return v.Get(ctx, token)
}
