package orchestrator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/manifesthub/manifesthub/internal/model"
	"github.com/manifesthub/manifesthub/internal/secure"
)

// ingestionSchema validates the decrypted (or raw-fallback) ingestion
// document: a flat object mapping account name to an array (possibly
// empty) of credential strings, the only shape account mode accepts before it
// trusts the file enough to decode it into Go values.
const ingestionSchema = `{
  "type": "object",
  "additionalProperties": {
    "type": "array",
    "items": {"type": "string"}
  }
}`

type envelope struct {
	Payload string `json:"payload"`
}

// ingestAccounts parses raw (the ingestion file's bytes) into a name ->
// credential-list map, first attempting the RSA-wrapped envelope and
// falling back to treating raw itself as the plaintext document on any
// failure along that path.
func ingestAccounts(raw []byte, rsaPrivateKeyPEM []byte) (map[string][]string, error) {
	plaintext := raw
	if decrypted, ok := tryUnsealEnvelope(raw, rsaPrivateKeyPEM); ok {
		plaintext = decrypted
	}

	var doc map[string][]string
	if err := validateAndDecode(plaintext, &doc); err != nil {
		return nil, fmt.Errorf("orchestrator: decode ingestion document: %w", err)
	}
	return doc, nil
}

func tryUnsealEnvelope(raw []byte, rsaPrivateKeyPEM []byte) ([]byte, bool) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Payload == "" {
		return nil, false
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Payload)
	if err != nil {
		return nil, false
	}
	plaintext, err := secure.UnsealPayload(ciphertext, rsaPrivateKeyPEM)
	if err != nil {
		return nil, false
	}
	return plaintext, true
}

func validateAndDecode(plaintext []byte, out *map[string][]string) error {
	var generic any
	if err := json.Unmarshal(plaintext, &generic); err != nil {
		return fmt.Errorf("parse JSON: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("ingestion.json", strings.NewReader(ingestionSchema)); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile("ingestion.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	if err := schema.Validate(generic); err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}

	return json.Unmarshal(plaintext, out)
}

// partition keeps account names whose position in the sorted name list
// satisfies position mod number == index, the fixed, deterministic split
// that lets `number` parallel instances divide one ingestion file without
// coordinating with each other.
func partition(doc map[string][]string, index, number int) []string {
	if number <= 0 {
		number = 1
	}
	names := make([]string, 0, len(doc))
	for name := range doc {
		names = append(names, name)
	}
	sort.Strings(names)

	var assigned []string
	for i, name := range names {
		if i%number == index {
			assigned = append(assigned, name)
		}
	}
	return assigned
}

// RunAccountIngestion executes account mode: decode the ingestion file at
// path, partition its accounts by index/number, and for each assigned
// account spin a session long enough to acquire or refresh a login token,
// writing the record back only if the token or the branch index changed.
func (o *Orchestrator) RunAccountIngestion(ctx context.Context, path string, index, number int) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("orchestrator: read ingestion file: %w", err)
	}

	rsaKey, _ := os.LookupEnv("RSA_PRIVATE_KEY")
	doc, err := ingestAccounts(raw, []byte(rsaKey))
	if err != nil {
		return err
	}

	assigned := partition(doc, index, number)
	for _, name := range assigned {
		o.runAccountIngestionOne(ctx, name, doc[name])
	}
	return nil
}

func (o *Orchestrator) runAccountIngestionOne(ctx context.Context, name string, credentials []string) {
	logger := o.logger.With(slog.String("account", name))

	password := ""
	if len(credentials) > 0 {
		password = credentials[0]
	}

	existing, found, err := o.vault.GetAccount(name)
	if err != nil {
		logger.Error("lookup existing account failed", slog.Any("error", err))
		return
	}
	acct := model.Account{AccountName: name, AccountPassword: password}
	if found {
		acct.RefreshToken = existing.RefreshToken
		acct.Index = existing.Index
	}

	sess := o.newSession()
	if err := sess.Connect(ctx); err != nil {
		logger.Error("session connect failed", slog.Any("error", err))
		return
	}
	defer sess.Disconnect()

	if err := sess.Authenticate(ctx, acct.AccountName, acct.AccountPassword, acct.RefreshToken); err != nil {
		o.handleAuthFailure(logger, acct, err)
		return
	}

	updated := refreshAccountInfo(acct, sess)
	if updated.RefreshToken == acct.RefreshToken && updated.Index == acct.Index {
		return
	}
	if err := o.vault.WriteAccount(updated); err != nil {
		logger.Error("write account record failed", slog.Any("error", err))
	}
}
