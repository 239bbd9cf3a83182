package harvest

const normalizePrompt = `
INPUT TRIAD:
Student: "%s"
Counsellor: "%s"
Student Reaction: (Trust increased by %d, Skepticism changed by %d)

TASK:
1. Summarize the Student's core objection (Trigger).
2. Summarize the Counsellor's specific winning argument (Response).
3. Identify the sales technique used.

Tone rule:
- Keep output concise and concrete.

OUTPUT JSON:
{
  "trigger": "Concerns about AI making Java obsolete",
  "response": "Java is the backbone of enterprise AI; you need to be the pilot.",
  "technique": "Reframing"
}
`
