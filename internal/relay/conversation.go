package relay

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// QuestionAnswer is one question raised by a subagent during a foreground
// Q&A exchange, and the answer collected for it (spec.md §3
// SubagentConversationState: "ordered list of (index, text, answered,
// answer)").
type QuestionAnswer struct {
	Index    int
	Text     string
	Answered bool
	Answer   string
}

// questionLinePattern pulls numbered-list questions out of a subagent's raw
// response text ("1. What age group?" / "2) Which platform?").
var questionLinePattern = regexp.MustCompile(`(?m)^\s*(\d+)[.)]\s*(.+)$`)

// ParseQuestions extracts an ordered list of numbered questions from a
// subagent's response text. A response with no numbered lines is treated as
// a single implicit question covering the whole text.
func ParseQuestions(response string) []QuestionAnswer {
	matches := questionLinePattern.FindAllStringSubmatch(response, -1)
	if len(matches) == 0 {
		text := strings.TrimSpace(response)
		if text == "" {
			return nil
		}
		return []QuestionAnswer{{Index: 1, Text: text}}
	}
	questions := make([]QuestionAnswer, 0, len(matches))
	for i, m := range matches {
		questions = append(questions, QuestionAnswer{Index: i + 1, Text: strings.TrimSpace(m[2])})
	}
	return questions
}

// ConversationState is the ephemeral per-foreground-Q&A staging area
// (spec.md §3 SubagentConversationState): an ordered question list, a
// 1-based cursor, and the staging slots that gate when the aggregated
// answers actually relay back to the subagent.
//
// Invariant: once AllAnswersCollected, Cursor sits past the last question
// and answers are immutable except through the edit flow (EditFlowActive /
// EditAwaitingNumber / EditTargetIndex).
type ConversationState struct {
	Subagent  string
	Questions []QuestionAnswer
	Cursor    int // 1-based index of the next unanswered question

	// PendingAnswer/AwaitingAnswerConfirmation stage a just-spoken answer for
	// explicit confirmation before it is committed to the current question.
	// The default policy below auto-commits unambiguous text answers without
	// engaging this slot; it exists for a future low-confidence-transcript
	// confirmation path the ground truth also gates on ASR confidence.
	PendingAnswer              string
	AwaitingAnswerConfirmation bool

	AwaitingSendConfirmation bool
	PendingSendContext       string

	EditFlowActive     bool
	EditAwaitingNumber bool
	EditTargetIndex    int // 1-based; 0 means no edit target staged

	AllAnswersCollected bool
	Complete            bool
}

// NewConversationState starts a foreground Q&A conversation from a
// subagent's raw response, returning the state and the first prompt to
// relay back to the user.
func NewConversationState(subagent, response string) (*ConversationState, string) {
	cs := &ConversationState{
		Subagent:  subagent,
		Questions: ParseQuestions(response),
		Cursor:    1,
	}
	return cs, cs.currentPrompt()
}

func (cs *ConversationState) currentPrompt() string {
	if cs.Cursor-1 < len(cs.Questions) {
		return cs.Questions[cs.Cursor-1].Text
	}
	return ""
}

// yesNo normalizes a free-text confirmation reply.
func yesNo(text string) (yes bool, ok bool) {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "yes", "y", "yeah", "yep", "sure":
		return true, true
	case "no", "n", "nope":
		return false, true
	}
	return false, false
}

// SubmitAnswer advances the conversation by one user utterance, returning
// the next prompt to speak and whether this turn finalized the conversation
// (PendingSendContext then holds the aggregated answers ready to relay;
// spec.md §8 Scenario #4).
func (cs *ConversationState) SubmitAnswer(text string) (prompt string, done bool) {
	text = strings.TrimSpace(text)

	if cs.EditAwaitingNumber {
		n, err := strconv.Atoi(text)
		if err != nil || n < 1 || n > len(cs.Questions) {
			return "Which question number would you like to edit?", false
		}
		cs.EditTargetIndex = n
		cs.EditAwaitingNumber = false
		return fmt.Sprintf("What should the answer to question %d be?", n), false
	}

	if cs.EditTargetIndex > 0 {
		cs.Questions[cs.EditTargetIndex-1].Answer = text
		cs.Questions[cs.EditTargetIndex-1].Answered = true
		cs.EditTargetIndex = 0
		cs.EditFlowActive = false
		return cs.sendConfirmationPrompt(), false
	}

	if cs.AwaitingSendConfirmation {
		yes, ok := yesNo(text)
		if !ok {
			return cs.sendConfirmationPrompt(), false
		}
		if yes {
			cs.EditFlowActive = true
			cs.EditAwaitingNumber = true
			return "Which question number would you like to edit?", false
		}
		cs.finalize()
		return "Sent.", true
	}

	if cs.Cursor-1 >= len(cs.Questions) {
		return "", false
	}
	cs.Questions[cs.Cursor-1].Answer = text
	cs.Questions[cs.Cursor-1].Answered = true
	cs.Cursor++

	if cs.Cursor-1 >= len(cs.Questions) {
		cs.AllAnswersCollected = true
		cs.AwaitingSendConfirmation = true
		return cs.sendConfirmationPrompt(), false
	}
	return cs.currentPrompt(), false
}

func (cs *ConversationState) sendConfirmationPrompt() string {
	return "Want to edit anything before I send this? Say yes or no."
}

// finalize builds PendingSendContext from every collected answer; called
// once the user declines further edits.
func (cs *ConversationState) finalize() {
	var b strings.Builder
	for _, q := range cs.Questions {
		fmt.Fprintf(&b, "%d. %s: %s\n", q.Index, q.Text, q.Answer)
	}
	cs.PendingSendContext = strings.TrimSpace(b.String())
	cs.Complete = true
}

// DraftStage is where a RelayDraft sits before it becomes an actual
// send_to_thread call (spec.md §3 RelayDraft).
type DraftStage string

const (
	DraftAwaitingDetail       DraftStage = "awaiting_detail"
	DraftAwaitingConfirmation DraftStage = "awaiting_confirmation"
)

// Draft is the ephemeral staged user message before relay (spec.md §3
// RelayDraft). Invariant: at most one active draft per session, enforced by
// State holding a single *Draft.
type Draft struct {
	TargetSubagent string
	ProjectHint    string
	Topic          string
	Message        string
	Stage          DraftStage
}
