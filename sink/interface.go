package sink

import (
	"context"
	"hash/fnv"
	"strconv"

	"github.com/web3tea/activity-sentinel/activity"
	"github.com/web3tea/activity-sentinel/delivery"
)

// Sink is the downstream end of the pipeline. Send never blocks.
type Sink interface {
	Start(ctx context.Context)
	Send(payload any) bool
	IsOpen() bool
	State() delivery.State
	Close() error
	Type() string
}

// Payload is the wire message for one activity.
type Payload struct {
	Activity   *activity.Activity `json:"activity"`
	Entity     map[string]any     `json:"entity"`
	CacheToken *string            `json:"cacheToken"`
	Trace      map[string]string  `json:"_trace"`
}

// CacheToken identifies an entity version for consumer caches. Resources
// have none.
func CacheToken(act *activity.Activity) *string {
	if act.EntityType == nil || act.EntityID == nil {
		return nil
	}
	seq := ""
	if act.Seq != nil {
		seq = strconv.FormatInt(*act.Seq, 10)
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(*act.EntityID + ":" + seq))
	token := strconv.FormatUint(h.Sum64(), 16)
	return &token
}
