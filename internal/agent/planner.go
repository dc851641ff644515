package agent

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cortexmind/cortex/internal/bus"
)

// Mission ids for internally generated work.
const (
	MissionChat  = "chat"
	MissionWorld = "world"
)

// Payload kind tags carried by mission-routing events.
const (
	PayloadMarketTick  = "market_tick"
	PayloadNewsArticle = "news_article"
	PayloadWalletState = "wallet_state"
	PayloadWorldState  = "world_state"
)

// Planner maps an incoming event to an ordered action list. It is a pure
// decision table: deterministic, and side-effect-free apart from noting the
// conversation id in working memory for cache-friendly model calls.
type Planner struct {
	logger *zap.Logger
}

// NewPlanner creates a planner.
func NewPlanner(logger *zap.Logger) *Planner {
	return &Planner{logger: logger.Named("planner")}
}

// Plan produces the action list for one event.
func (p *Planner) Plan(ectx *Context, ev bus.Event) Plan {
	if ev.Topic == bus.TopicUser && ev.Kind == bus.KindMessage {
		return p.planChat(ectx, ev)
	}
	return p.planMission(ev)
}

func (p *Planner) planChat(ectx *Context, ev bus.Event) Plan {
	question, _ := ev.Payload["text"].(string)
	chatID, _ := ev.Payload["chat_id"].(string)
	if chatID == "" {
		chatID = ev.Source
	}
	if ectx.Snapshot != nil {
		ectx.Snapshot.Working.ConversationID = chatID
	}
	return Plan{
		MissionID: MissionChat,
		Actions:   []Action{AnswerAction{Question: question, ChatID: chatID}},
		Rationale: "user_chat",
	}
}

func (p *Planner) planMission(ev bus.Event) Plan {
	missionID, _ := ev.Payload["mission_id"].(string)
	kind, _ := ev.Payload["kind"].(string)
	if missionID == "" {
		missionID = MissionWorld
	}

	switch kind {
	case PayloadMarketTick:
		return Plan{
			MissionID: missionID,
			Actions: []Action{UpdateConsciousnessAction{
				Class:   "market",
				Summary: summarizeTick(ev.Payload),
				Data:    ev.Payload,
			}},
			Rationale: "market_tick",
		}
	case PayloadNewsArticle:
		title, _ := ev.Payload["title"].(string)
		return Plan{
			MissionID: missionID,
			Actions: []Action{UpdateConsciousnessAction{
				Class:   "news",
				Summary: fmt.Sprintf("News: %s", title),
				Data:    ev.Payload,
			}},
			Rationale: "news_article",
		}
	case PayloadWalletState:
		return Plan{
			MissionID: missionID,
			Actions: []Action{UpdateConsciousnessAction{
				Class:   "wallet",
				Summary: "Wallet state refreshed",
				Data:    ev.Payload,
			}},
			Rationale: "wallet_state",
		}
	case PayloadWorldState:
		return Plan{
			MissionID: missionID,
			Actions: []Action{ExecuteAction{
				Tool:    "get_crypto_prices",
				Params:  map[string]interface{}{},
				Summary: "Refresh tracked market prices",
			}},
			Rationale: "world_state",
		}
	default:
		p.logger.Debug("No rule for event, sleeping", zap.String("kind", kind), zap.String("topic", string(ev.Topic)))
		return Plan{
			MissionID: missionID,
			Actions:   []Action{SleepAction{Duration: 10 * time.Millisecond}},
			Rationale: "unknown_kind",
		}
	}
}

func summarizeTick(payload map[string]interface{}) string {
	asset, _ := payload["asset"].(string)
	if asset == "" {
		return "Market tick received"
	}
	if price, ok := payload["price"].(float64); ok {
		return fmt.Sprintf("Market: %s at %.2f", asset, price)
	}
	return fmt.Sprintf("Market: tick for %s", asset)
}
