// Package nilcomm handles the commands the node receives over the bus. Each
// handler publishes exactly one terminal event per command: the success
// event, or the failure event carrying the cause.
package nilcomm

import (
	"errors"
	"fmt"

	"github.com/go-viper/mapstructure/v2"
)

// Command types.
const (
	CommandStoreSecret         = "StoreSecret"
	CommandStartQueryExecution = "StartQueryExecution"
)

// Event types.
const (
	EventSecretStored            = "SecretStored"
	EventStoreSecretFailed       = "StoreSecretFailed"
	EventQueryExecutionCompleted = "QueryExecutionCompleted"
	EventQueryExecutionFailed    = "QueryExecutionFailed"
)

var (
	ErrInvalidCommand = errors.New("invalid command")
	ErrUnknownCommand = errors.New("unknown command")
)

type StoreSecret struct {
	MappingID      string `json:"mappingId"`
	EncryptedShare string `json:"encryptedShare"`
}

func (c *StoreSecret) validate() error {
	if c.MappingID == "" {
		return fmt.Errorf("%w: mappingId is required", ErrInvalidCommand)
	}
	if c.EncryptedShare == "" {
		return fmt.Errorf("%w: encryptedShare is required", ErrInvalidCommand)
	}
	return nil
}

type StartQueryExecution struct {
	MappingID      string         `json:"mappingId"`
	QueryID        string         `json:"queryId"`
	OwnerPublicKey string         `json:"ownerPublicKey"`
	Variables      map[string]any `json:"variables"`
}

func (c *StartQueryExecution) validate() error {
	switch {
	case c.MappingID == "":
		return fmt.Errorf("%w: mappingId is required", ErrInvalidCommand)
	case c.QueryID == "":
		return fmt.Errorf("%w: queryId is required", ErrInvalidCommand)
	case c.OwnerPublicKey == "":
		return fmt.Errorf("%w: ownerPublicKey is required", ErrInvalidCommand)
	}
	return nil
}

type SecretStored struct {
	MappingID string `json:"mappingId"`
}

type QueryExecutionCompleted struct {
	MappingID string           `json:"mappingId"`
	Result    []map[string]any `json:"result"`
}

// Failed is the payload of both failure events.
type Failed struct {
	MappingID string `json:"mappingId"`
	Cause     string `json:"cause"`
}

func decode(input map[string]any, output any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "json",
		Result:  output,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(input); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	return nil
}
