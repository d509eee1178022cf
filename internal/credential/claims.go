package credential

import (
	"github.com/golang-jwt/jwt/v5"
)

// Assurance levels carried in the arc claim: 0.5 after the password
// factor, 1.0 once a biometric assertion has been accepted.
const (
	LevelPassword  = 0.5
	LevelBiometric = 1.0
)

// Authentication method references for the amr claim.
const (
	MethodPassword  = "pwd"
	MethodBiometric = "bio"
)

// BiometricProof is the sub-claim describing how a final credential's
// assurance level was proven.
type BiometricProof struct {
	Score       float64 `json:"score"`
	Method      string  `json:"method"`
	ValidatedAt int64   `json:"validated_at"`
}

// StepUpClaims is the typed extra claim set embedded into a final
// credential, linking it to the validation record that authorized it.
type StepUpClaims struct {
	ValidationID   string          `json:"validation_id"`
	BiometricProof *BiometricProof `json:"biometric_proof,omitempty"`
}

// Claims is the full claim set of a credential minted by this service.
// Temp and final credentials share the shape; final ones additionally
// carry the validation linkage.
type Claims struct {
	jwt.RegisteredClaims
	Arc            float64         `json:"arc"`
	Amr            []string        `json:"amr"`
	Role           string          `json:"role,omitempty"`
	LoginID        string          `json:"login_id,omitempty"`
	Nonce          string          `json:"nonce,omitempty"`
	ValidationID   string          `json:"validation_id,omitempty"`
	BiometricProof *BiometricProof `json:"biometric_proof,omitempty"`
}
