package proxy

import (
	"fmt"
	"strings"
)

// analyzePrompt is the production food-recognition prompt. Its guidelines are
// load-bearing: the 40-char label cap, the 0.3 confidence floor, the 15%
// conservative gram reduction and the USDA-matchable ingredient naming are
// all relied on by the mobile client. Do not rewrap or "improve" the text.
const analyzePrompt = `IMPORTANT: I'm using a nutrition tracking app to log my meals. I need you to analyze ONLY the food items in this photo - ignore any people, hands, or faces visible in the image. I am NOT asking you to identify or describe any people. Focus exclusively on the food.

This photo shows food I'm about to eat, and I need to track its nutritional content and ingredients for my health goals.

Please help me by analyzing what food items are visible in this photo and breaking down the key ingredients. Return the results in this JSON format:

{
  "has_packaging": false,
  "predictions": [
    {
      "label": "food name (max 40 chars, descriptive)",
      "confidence": 0.95,
      "description": "brief description",
      "nutrition": {
        "calories": 250,
        "protein": 20.0,
        "carbs": 30.0,
        "fat": 10.0,
        "estimated_grams": 150
      },
      "ingredients": [
        {"name": "romaine lettuce", "grams": 127},
        {"name": "grilled chicken breast", "grams": 102},
        {"name": "cherry tomatoes", "grams": 68}
      ]
    }
  ]
}

Guidelines for your analysis:
- CRITICAL: Keep food names under 40 characters but be descriptive (e.g., "Grilled Chicken Caesar Salad" is good, "Grilled Chicken Caesar Salad Bowl with Extra Dressing" is too long)
- Use specific, natural names that clearly identify the food and cooking method when space allows
- Set has_packaging to true if the food is in packaging/wrapper/box/container (unopened or partially opened)
- Set has_packaging to false for fresh/prepared food on plates/bowls
- Include up to 5 predictions if multiple food items are visible
- Order predictions by confidence (0.0-1.0)
- Use empty array if confidence is below 0.3
- For estimated_grams: estimate the weight in grams of the food VISIBLE IN THE PHOTO (not a standard serving)
- Nutrition values should reflect the entire amount of food visible in the photo (based on estimated_grams)
- Use realistic portion sizes (e.g., apple: 150-200g, chicken breast: 150-250g, bowl of pasta: 200-300g)

INGREDIENT EXTRACTION:
- CRITICAL: Use specific, USDA-matchable ingredient names (e.g., "Chicken breast, grilled" not just "chicken")
- Break down composite meals into key ingredients with gram estimates
- Apply 15% conservative reduction to all gram estimates (better to underestimate than overestimate)
- List 3-8 main ingredients (don't list every tiny ingredient like spices)
- Use generic ingredient names that match USDA database:
  * "Chicken breast, grilled" or "Chicken breast, roasted" (specify cooking method)
  * "Lettuce, romaine" or "Lettuce, iceberg" (specify variety)
  * "Rice, brown" or "Rice, white" (specify type)
  * "Olive oil" or "Butter" (use generic fat names)
  * Avoid brand names, adjectives like "organic", "free-range"
- For simple meals (like an apple or banana), use single ingredient: [{"name": "Apple, raw", "grams": 170}]
- Ingredient grams should roughly sum to estimated_grams (within 10-20% variance for condiments/oils)
- If a meal is too complex to break down confidently, use empty ingredients array []

Return ONLY the JSON object, no additional text.`

// labelPrompt extracts structured nutrition facts from a photographed label.
const labelPrompt = `This photo shows a nutrition facts label on a food product. Read the label and extract its values. Return the results in this JSON format:

{
  "product_name": "product name if visible on the packaging, otherwise empty string",
  "serving_size": "serving size exactly as printed (e.g. '2/3 cup (55g)')",
  "nutrition": {
    "calories": 230,
    "protein": 3.0,
    "carbs": 37.0,
    "fat": 8.0,
    "estimated_grams": 55
  },
  "confidence": 0.95
}

Guidelines:
- Report values PER SERVING exactly as printed on the label
- Set estimated_grams to the serving weight in grams when the label states it, otherwise estimate from the serving size
- Use 0 for any value that is genuinely unreadable, never guess digits you cannot see
- Set confidence to how legible the label is overall (0.0-1.0)
- If the photo does not contain a nutrition label, set confidence to 0

Return ONLY the JSON object, no additional text.`

// parseTextPrompt turns a free-text meal description into the same
// predictions payload the photo analysis produces.
const parseTextPrompt = `I'm using a nutrition tracking app to log my meals. Below is my own description of a meal I ate. Parse it into food items with estimated nutrition and ingredients. Return the results in this JSON format:

{
  "has_packaging": false,
  "predictions": [
    {
      "label": "food name (max 40 chars, descriptive)",
      "confidence": 0.95,
      "description": "brief description",
      "nutrition": {
        "calories": 250,
        "protein": 20.0,
        "carbs": 30.0,
        "fat": 10.0,
        "estimated_grams": 150
      },
      "ingredients": [
        {"name": "romaine lettuce", "grams": 127},
        {"name": "grilled chicken breast", "grams": 102}
      ]
    }
  ]
}

Guidelines:
- CRITICAL: Keep food names under 40 characters but be descriptive
- One prediction per distinct food item mentioned, up to 5, ordered by confidence (0.0-1.0)
- When the description states quantities ("two eggs", "a cup of rice"), use them; otherwise assume realistic single portions
- Use empty array if confidence is below 0.3
- Use specific, USDA-matchable ingredient names ("Chicken breast, grilled" not just "chicken")
- Apply 15%% conservative reduction to all gram estimates
- Ingredient grams should roughly sum to estimated_grams

My meal: %s

Return ONLY the JSON object, no additional text.`

// buildParseTextPrompt fills the meal description into parseTextPrompt.
func buildParseTextPrompt(text string) string {
	return fmt.Sprintf(parseTextPrompt, text)
}

// buildMatchPrompt asks the model to pick the database entry matching an
// ingredient name. The response must terminate in "ANSWER: N" where N is a
// 1-based candidate number, or 0 for no match; extractAnswerIndex handles
// responses that stray from the format.
func buildMatchPrompt(ingredientName string, candidates []matchCandidate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "I need to match a food ingredient to a nutrition database entry.\n\nIngredient: %q\n\nCandidate database entries:\n", ingredientName)
	for i, c := range candidates {
		fmt.Fprintf(&b, "%d. %s\n", i+1, c.Description)
	}
	b.WriteString(`
Think step by step about which candidate is the same food as the ingredient:
- The match must be the same food, not merely a similar one (e.g. "Butter, salted" matches "butter", but "Margarine" does not)
- Prefer the same cooking method and variety when the ingredient specifies one
- Generic raw entries beat branded or prepared entries when the ingredient is generic
- If no candidate is genuinely the same food, the answer is 0

After your reasoning, end your response with exactly one line in this format:
ANSWER: N

where N is the number of the matching candidate, or 0 if none match.`)
	return b.String()
}
