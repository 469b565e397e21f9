package autopilot

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopfront/autopilot/internal/generation"
	"github.com/shopfront/autopilot/internal/messaging"
)

const (
	stagePlan  = "plan"
	stageWrite = "write"
)

// ComposeRequest carries the conversation to answer. History is newest
// first and may include Inbound.
type ComposeRequest struct {
	RequestID     string
	Channel       messaging.Channel
	ContactName   string
	Inbound       *messaging.Message
	History       []messaging.Message
	MaxChars      int
	PlanModel     string
	WriteModel    string
	PromptVersion string
}

type Composition struct {
	Reply       string
	MissingInfo []string
	Summary     string
	Model       string
	Stages      []StageTranscript
}

// StageTranscript is one generation call as sent and as answered.
type StageTranscript struct {
	Stage        string `json:"stage"`
	Model        string `json:"model"`
	SystemPrompt string `json:"system_prompt"`
	UserPrompt   string `json:"user_prompt"`
	Output       string `json:"output"`
}

// Composer writes candidate replies. Configured reports whether it can run
// at all; without it the draft phase does nothing.
type Composer interface {
	Configured() bool
	Compose(ctx context.Context, req ComposeRequest) (*Composition, error)
}

type Generator interface {
	Configured() bool
	Generate(ctx context.Context, req generation.Request, out any) (string, error)
}

// TwoStageComposer asks a cheap model to plan the reply, then a writer
// model to phrase it. The plan stage is skipped when no plan model is set.
type TwoStageComposer struct {
	Generator Generator
}

func NewTwoStageComposer(generator Generator) *TwoStageComposer {
	return &TwoStageComposer{Generator: generator}
}

type planOutput struct {
	Intent      string   `json:"intent"       validate:"required"`
	KeyPoints   []string `json:"key_points"   validate:"max=6"`
	MissingInfo []string `json:"missing_info" validate:"max=10"`
}

type writeOutput struct {
	Reply       string   `json:"reply"        validate:"required"`
	MissingInfo []string `json:"missing_info" validate:"max=10,dive,required"`
	Summary     string   `json:"summary"`
}

var planSchema = generation.Schema{
	Name:        "reply_plan",
	Description: "What the reply to the customer should accomplish",
	Definition: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"intent":       map[string]any{"type": "string"},
			"key_points":   stringArraySchema(),
			"missing_info": stringArraySchema(),
		},
		"required":             []string{"intent", "key_points", "missing_info"},
		"additionalProperties": false,
	},
}

var writeSchema = generation.Schema{
	Name:        "reply_draft",
	Description: "The reply to send to the customer",
	Definition: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"reply":        map[string]any{"type": "string"},
			"missing_info": stringArraySchema(),
			"summary":      map[string]any{"type": "string"},
		},
		"required":             []string{"reply", "missing_info", "summary"},
		"additionalProperties": false,
	},
}

func stringArraySchema() map[string]any {
	return map[string]any{"type": "array", "items": map[string]any{"type": "string"}}
}

const planSystemPrompt = `You help a small service business answer new customer inquiries.
Read the conversation and decide what the next reply must do.
Return the customer's intent, up to six key points the reply should make,
and the facts we still need from the customer before we can book them.`

const writeSystemPrompt = `You write replies for a small service business to new customers.
Write like a friendly person at the front desk: short plain sentences, no lists,
no links, no dashes, no sign-off. Ask for at most the two most important missing facts.
Never promise prices or appointment times. Stay under %d characters.`

func (composer *TwoStageComposer) Configured() bool {
	return composer.Generator != nil && composer.Generator.Configured()
}

func (composer *TwoStageComposer) Compose(ctx context.Context, req ComposeRequest) (*Composition, error) {
	if !composer.Configured() {
		return nil, generation.ErrNotConfigured
	}

	conversation := renderConversation(req)
	composition := &Composition{Model: req.WriteModel}

	var plan *planOutput

	if req.PlanModel != "" {
		plan = &planOutput{}

		stage, err := composer.run(ctx, req, stagePlan, req.PlanModel, planSystemPrompt, conversation, planSchema, plan)
		composition.Stages = append(composition.Stages, stage)

		if err != nil {
			return nil, err
		}
	}

	var written writeOutput

	system := fmt.Sprintf(writeSystemPrompt, req.MaxChars)

	stage, err := composer.run(ctx, req, stageWrite, req.WriteModel, system, renderWritePrompt(conversation, plan), writeSchema, &written)
	composition.Stages = append(composition.Stages, stage)

	if err != nil {
		return nil, err
	}

	composition.Reply = written.Reply
	composition.Summary = written.Summary
	composition.MissingInfo = mergeMissingInfo(written.MissingInfo, plan)

	return composition, nil
}

func (composer *TwoStageComposer) run(
	ctx context.Context,
	req ComposeRequest,
	stage, model, systemPrompt, userPrompt string,
	schema generation.Schema,
	out any,
) (StageTranscript, error) {
	raw, err := composer.Generator.Generate(ctx, generation.Request{
		Stage:        stage,
		Model:        model,
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Schema:       schema,
		RequestID:    req.RequestID,
	}, out)

	return StageTranscript{
		Stage:        stage,
		Model:        model,
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Output:       raw,
	}, err
}

func renderConversation(req ComposeRequest) string {
	var builder strings.Builder

	fmt.Fprintf(&builder, "Channel: %s\n", req.Channel)

	if req.ContactName != "" {
		fmt.Fprintf(&builder, "Customer name: %s\n", req.ContactName)
	}

	builder.WriteString("\nConversation, oldest first:\n")

	history := slices.Clone(req.History)
	slices.Reverse(history)

	seenInbound := false

	for _, message := range history {
		writeLine(&builder, &message)

		seenInbound = seenInbound || (req.Inbound != nil && message.ID == req.Inbound.ID)
	}

	if req.Inbound != nil && !seenInbound {
		writeLine(&builder, req.Inbound)
	}

	if req.Inbound != nil {
		fmt.Fprintf(&builder, "\nReply to the customer's message sent %s.\n", req.Inbound.CreatedAt.Format(time.RFC1123))
	}

	return builder.String()
}

func writeLine(builder *strings.Builder, message *messaging.Message) {
	speaker := "Us"
	if message.Direction == messaging.DirectionInbound {
		speaker = "Customer"
	}

	fmt.Fprintf(builder, "%s: %s\n", speaker, strings.TrimSpace(message.Body))
}

func renderWritePrompt(conversation string, plan *planOutput) string {
	if plan == nil {
		return conversation
	}

	var builder strings.Builder

	builder.WriteString(conversation)
	fmt.Fprintf(&builder, "\nPlan\nIntent: %s\n", plan.Intent)

	for _, point := range plan.KeyPoints {
		fmt.Fprintf(&builder, "Make this point: %s\n", point)
	}

	for _, item := range plan.MissingInfo {
		fmt.Fprintf(&builder, "Still needed: %s\n", item)
	}

	return builder.String()
}

func mergeMissingInfo(written []string, plan *planOutput) []string {
	items := []string{}

	add := func(item string) {
		item = strings.TrimSpace(item)
		if item != "" && !slices.ContainsFunc(items, func(existing string) bool {
			return strings.EqualFold(existing, item)
		}) {
			items = append(items, item)
		}
	}

	for _, item := range written {
		add(item)
	}

	if plan != nil {
		for _, item := range plan.MissingInfo {
			add(item)
		}
	}

	return items
}
