package datasource

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Normation/rudder-plugin-datasources/errors"
)

// wireDataSource mirrors the persisted JSON layout. Durations travel as
// integer seconds.
type wireDataSource struct {
	Name          string        `json:"name"`
	ID            string        `json:"id"`
	Description   string        `json:"description"`
	Enabled       bool          `json:"enabled"`
	UpdateTimeout int64         `json:"updateTimeout"`
	RunParameters wireRunParams `json:"runParameters"`
	Type          wireType      `json:"type"`
}

type wireRunParams struct {
	OnGeneration bool         `json:"onGeneration"`
	OnNewNode    bool         `json:"onNewNode"`
	Schedule     wireSchedule `json:"schedule"`
}

type wireSchedule struct {
	Type     string `json:"type"`
	Duration int64  `json:"duration"`
}

type wireType struct {
	Name       string         `json:"name"`
	Parameters wireHTTPParams `json:"parameters"`
}

type wireHTTPParams struct {
	URL            string          `json:"url"`
	Path           string          `json:"path"`
	RequestMethod  string          `json:"requestMethod"`
	CheckSSL       bool            `json:"checkSsl"`
	RequestTimeout int64           `json:"requestTimeout"`
	Headers        []wirePair      `json:"headers"`
	Params         []wirePair      `json:"params"`
	RequestMode    wireRequestMode `json:"requestMode"`
	OnMissing      *wireOnMissing  `json:"onMissing,omitempty"`
}

type wirePair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type wireRequestMode struct {
	Name      string `json:"name"`
	Path      string `json:"path,omitempty"`
	Attribute string `json:"attribute,omitempty"`
}

type wireOnMissing struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value,omitempty"`
}

const (
	wireScheduled    = "scheduled"
	wireNotScheduled = "notscheduled"
)

// Serialize renders the descriptor into its persisted JSON form
func Serialize(ds *DataSource) ([]byte, error) {
	if ds.Type.HTTP == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("HTTP source parameters are required"), "DataSource", "Serialize", "encode descriptor")
	}
	http := ds.Type.HTTP

	wire := wireDataSource{
		Name:          ds.Name,
		ID:            string(ds.ID),
		Description:   ds.Description,
		Enabled:       ds.Enabled,
		UpdateTimeout: int64(ds.UpdateTimeout / time.Second),
		RunParameters: wireRunParams{
			OnGeneration: ds.RunParams.OnGeneration,
			OnNewNode:    ds.RunParams.OnNewNode,
			Schedule: wireSchedule{
				Type:     scheduleTypeName(ds.RunParams.Schedule),
				Duration: int64(ds.RunParams.Schedule.Period / time.Second),
			},
		},
		Type: wireType{
			Name: string(ds.Type.Name),
			Parameters: wireHTTPParams{
				URL:            http.URL,
				Path:           http.Path,
				RequestMethod:  string(http.Method),
				CheckSSL:       http.CheckSSL,
				RequestTimeout: int64(http.RequestTimeout / time.Second),
				Headers:        toWirePairs(http.Headers),
				Params:         toWirePairs(http.Params),
				RequestMode: wireRequestMode{
					Name:      string(http.Mode.Kind),
					Path:      http.Mode.MatchingPath,
					Attribute: http.Mode.NodeAttribute,
				},
				OnMissing: toWireOnMissing(http.OnMissing),
			},
		},
	}

	data, err := json.Marshal(wire)
	if err != nil {
		return nil, errors.Wrap(err, "DataSource", "Serialize", "encode descriptor")
	}
	return data, nil
}

func scheduleTypeName(s Schedule) string {
	if s.Enabled {
		return wireScheduled
	}
	return wireNotScheduled
}

func toWirePairs(pairs []Header) []wirePair {
	out := make([]wirePair, len(pairs))
	for i, p := range pairs {
		out[i] = wirePair{Name: p.Name, Value: p.Value}
	}
	return out
}

func toWireOnMissing(b MissingNodeBehavior) *wireOnMissing {
	switch b.Kind {
	case MissingNoChange:
		return &wireOnMissing{Name: string(MissingNoChange)}
	case MissingDefaultValue:
		return &wireOnMissing{Name: string(MissingDefaultValue), Value: json.RawMessage(b.Value)}
	default:
		return &wireOnMissing{Name: string(MissingDelete)}
	}
}

// Deserialize parses a persisted descriptor. The payload is checked
// against the wire schema first, then decoded and structurally validated.
// An omitted onMissing block is parsed as the delete behavior.
func Deserialize(data []byte) (*DataSource, error) {
	if err := validateWire(data); err != nil {
		return nil, err
	}

	var wire wireDataSource
	decoder := json.NewDecoder(bytes.NewReader(data))
	if err := decoder.Decode(&wire); err != nil {
		return nil, errors.WrapInvalid(err, "DataSource", "Deserialize", "decode descriptor")
	}

	onMissing, err := fromWireOnMissing(wire.Type.Parameters.OnMissing)
	if err != nil {
		return nil, err
	}

	ds := &DataSource{
		ID:            ID(wire.ID),
		Name:          wire.Name,
		Description:   wire.Description,
		Enabled:       wire.Enabled,
		UpdateTimeout: time.Duration(wire.UpdateTimeout) * time.Second,
		RunParams: RunParameters{
			OnGeneration: wire.RunParameters.OnGeneration,
			OnNewNode:    wire.RunParameters.OnNewNode,
			Schedule: Schedule{
				Enabled: wire.RunParameters.Schedule.Type == wireScheduled,
				Period:  time.Duration(wire.RunParameters.Schedule.Duration) * time.Second,
			},
		},
		Type: SourceType{
			Name: SourceTypeName(wire.Type.Name),
			HTTP: &HTTPSource{
				URL:            wire.Type.Parameters.URL,
				Path:           wire.Type.Parameters.Path,
				Method:         HTTPMethod(wire.Type.Parameters.RequestMethod),
				CheckSSL:       wire.Type.Parameters.CheckSSL,
				RequestTimeout: time.Duration(wire.Type.Parameters.RequestTimeout) * time.Second,
				Headers:        fromWirePairs(wire.Type.Parameters.Headers),
				Params:         fromWirePairs(wire.Type.Parameters.Params),
				Mode: RequestMode{
					Kind:          RequestModeKind(wire.Type.Parameters.RequestMode.Name),
					MatchingPath:  wire.Type.Parameters.RequestMode.Path,
					NodeAttribute: wire.Type.Parameters.RequestMode.Attribute,
				},
				OnMissing: onMissing,
			},
		},
	}

	if err := ds.Validate(); err != nil {
		return nil, err
	}
	return ds, nil
}

func fromWirePairs(pairs []wirePair) []Header {
	if len(pairs) == 0 {
		return nil
	}
	out := make([]Header, len(pairs))
	for i, p := range pairs {
		out[i] = Header{Name: p.Name, Value: p.Value}
	}
	return out
}

func fromWireOnMissing(w *wireOnMissing) (MissingNodeBehavior, error) {
	if w == nil {
		// backwards-compat default
		return MissingNodeBehavior{Kind: MissingDelete}, nil
	}

	switch MissingBehaviorKind(w.Name) {
	case MissingDelete:
		return MissingNodeBehavior{Kind: MissingDelete}, nil
	case MissingNoChange:
		return MissingNodeBehavior{Kind: MissingNoChange}, nil
	case MissingDefaultValue:
		if len(w.Value) == 0 {
			return MissingNodeBehavior{}, errors.WrapInvalid(
				fmt.Errorf("default-value behavior requires a value"), "DataSource", "Deserialize", "parse missing-node behavior")
		}
		return MissingNodeBehavior{Kind: MissingDefaultValue, Value: append([]byte(nil), w.Value...)}, nil
	default:
		return MissingNodeBehavior{}, errors.WrapInvalid(
			fmt.Errorf("missing-node behavior %q is not one of delete, noChange, defaultValue", w.Name),
			"DataSource", "Deserialize", "parse missing-node behavior")
	}
}
