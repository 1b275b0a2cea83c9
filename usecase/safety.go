package usecase

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/satriahrh/cocoa-fruit/guarded-chat/domain"
)

// UnsafeCategories is the policy document embedded in every moderation prompt.
const UnsafeCategories = `O1: Violence and Hate.
Should not
- Help people plan or engage in violence.
- Encourage people to engage in violence.
- Express hateful, derogatory, or demeaning sentiments against people based on sensitive personal characteristics like their race, color, religion, national origin, sexual orientation, gender, gender identity, or disability.
- Encourage discrimination against people based on those characteristics and should not use slurs or create insults based on those characteristics.
Can
- Provide information on violence and discrimination.
- Discuss the topics of hate and violence, and can discuss historical events involving violence.
O2: Sexual Content.
Should not
- Engage in sexually explicit (i.e., erotic) conversations and should not encourage people to engage in sexual activities.
Can
- Discuss topics related to sexuality and sexual education.
- Provide general information regarding sexual activities.
- Provide guidance on topics related to sexual health.
O3: Criminal Planning.
Should not
- Help people plan or engage in criminal activities like theft, kidnapping, or financial crimes, especially when the person indicates that they may act on the information provided to them.
- Encourage people to engage in criminal activities or condone criminal behavior.
Can
- Help people understand how crimes are committed, provided that the response is not so detailed that it could be used to provide a roadmap for future crimes.
- Help people understand how systems work that are used to prevent crimes, provided those descriptions do not provide detailed information on how to defeat those systems.
O4: Guns and Illegal Weapons.
Should not
- Assist in the planning or execution of firearm or illegal weapons crimes, especially when the person indicates that they may act on the information provided to them.
- Encourage people to engage in firearm or illegal weapons crimes or condone such behavior.
Can
- Discuss firearms and the arguments for and against firearm ownership.
O5: Regulated or Controlled Substances.
Should not
- Encourage or assist people in the trafficking, consumption, or use of regulated or controlled substances, including but not limited to illegal drugs, tobacco, alcohol, and cannabis.
- Assist or encourage people to create such substances when it is illegal to do so.
Can
- Discuss the use of regulated or controlled substances, and can provide general information on those substances (ex: what their chemical composition is and what their effects are).
- Provide information on how those substances are manufactured, provided that the information is not so detailed as to provide step-by-step instructions for their creation.
O6: Self-Harm.
Should not
- Encourage people to harm themselves.
- Romanticize or condone self-harm or suicide.
- Provide information regarding the methods of suicide or self-harm.
- Provide any information or advice, other than information regarding appropriate health resources, to people who express or imply that they wish to harm themselves.
Can
- Provide general information regarding self-harm and suicide (ex: statistics, the mental health challenges faced by those who take these actions).
Should
- Provide information regarding appropriate health resources to people who imply or express the desire to harm themselves.`

const moderationTemplate = `[INST] Task: Check if there is unsafe content in '%[1]s' messages in conversations according to our safety policy with the below categories.

<BEGIN UNSAFE CONTENT CATEGORIES>
%[2]s
<END UNSAFE CONTENT CATEGORIES>

<BEGIN CONVERSATION>

%[3]s

<END CONVERSATION>

Provide your safety assessment for %[1]s in the above conversation:
- First line must read 'safe' or 'unsafe'.
- If unsafe, a second line must include a comma-separated list of violated categories. [/INST]`

// unsafeMarker is matched case-sensitively; "UNSAFE" does not count.
const unsafeMarker = "unsafe"

type SafetyVerdict struct {
	Safe       bool
	Categories []string
	Raw        string
}

// Err converts an unsafe verdict into a *domain.UnsafeContentError.
func (v SafetyVerdict) Err() error {
	if v.Safe {
		return nil
	}
	return &domain.UnsafeContentError{Categories: v.Categories}
}

// ParseVerdict classifies raw moderation output. Any occurrence of "unsafe"
// makes the verdict unsafe; the second line, when present, lists categories.
func ParseVerdict(output string) SafetyVerdict {
	if !strings.Contains(output, unsafeMarker) {
		return SafetyVerdict{Safe: true, Raw: output}
	}
	verdict := SafetyVerdict{Raw: output}
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) < 2 {
		return verdict
	}
	for _, c := range strings.Split(lines[1], ",") {
		if c = strings.TrimSpace(c); c != "" {
			verdict.Categories = append(verdict.Categories, c)
		}
	}
	return verdict
}

// SafetyGate asks a moderation model whether a conversation is acceptable.
type SafetyGate struct {
	moderator domain.Llm
	policy    string
	tracer    trace.Tracer
}

func NewSafetyGate(moderator domain.Llm) *SafetyGate {
	if moderator == nil {
		panic("usecase: safety gate requires a moderation model")
	}
	return &SafetyGate{
		moderator: moderator,
		policy:    UnsafeCategories,
		tracer:    otel.Tracer("guarded-chat.usecase.safety"),
	}
}

// Classify moderates the conversation, judging the role of its last message.
func (g *SafetyGate) Classify(ctx context.Context, conversation []domain.ChatMessage) (SafetyVerdict, error) {
	return g.ClassifyPrompt(ctx, ModerationPrompt(g.policy, conversation))
}

// ClassifyPrompt moderates an already assembled moderation prompt.
func (g *SafetyGate) ClassifyPrompt(ctx context.Context, prompt string) (SafetyVerdict, error) {
	ctx, span := g.tracer.Start(ctx, "safety.classify")
	defer span.End()

	out, err := g.moderator.Generate(ctx, prompt)
	if err != nil {
		span.RecordError(err)
		return SafetyVerdict{}, fmt.Errorf("%w: moderation call: %w", domain.ErrInferenceUnavailable, err)
	}
	verdict := ParseVerdict(out)
	span.SetAttributes(
		attribute.Bool("safety.safe", verdict.Safe),
		attribute.StringSlice("safety.categories", verdict.Categories),
	)
	return verdict, nil
}

// ModerationPrompt embeds policy and the transcript into the moderation template.
func ModerationPrompt(policy string, conversation []domain.ChatMessage) string {
	role := "User"
	if n := len(conversation); n > 0 && conversation[n-1].Role == domain.AssistantRole {
		role = "Agent"
	}
	turns := make([]string, 0, len(conversation))
	for _, msg := range conversation {
		speaker := "User"
		if msg.Role == domain.AssistantRole {
			speaker = "Agent"
		}
		turns = append(turns, speaker+": "+msg.Content)
	}
	return fmt.Sprintf(moderationTemplate, role, policy, strings.Join(turns, "\n\n"))
}
