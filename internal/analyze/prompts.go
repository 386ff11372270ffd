package analyze

import (
	"fmt"
	"sort"
	"strings"

	"github.com/revizor-dev/revizor/internal/types"
)

// maxAvailableFiles caps the repository catalog embedded in the discovery
// prompt. Beyond this the list stops helping the model and only burns tokens.
const maxAvailableFiles = 100

// buildDiscoveryPrompt asks the model which repository files are needed to
// understand the commit. The answer format is a JSON object with a
// required_files list carrying per-file reasons and priorities.
func buildDiscoveryPrompt(modified []types.ChangedFile, available []string) string {
	var b strings.Builder

	b.WriteString(`### ЗАДАЧА ОПРЕДЕЛЕНИЯ КОНТЕКСТНЫХ ФАЙЛОВ ДЛЯ АНАЛИЗА КОММИТА ###

# ИНСТРУКЦИИ
Ты - эксперт по анализу кода. Твоя задача - проанализировать измененные файлы в коммите и определить, какие дополнительные файлы необходимы для полного понимания контекста изменений.

Нужно найти файлы, которые:
1. Содержат классы или функции, от которых наследуются или с которыми взаимодействуют измененные файлы
2. Содержат импортируемые локальные модули и их зависимости
3. Определяют интерфейсы, константы или типы, используемые в измененном коде
4. Могут содержать определения методов, которые вызываются или переопределяются

# ИЗМЕНЕННЫЕ ФАЙЛЫ:
`)

	for i, f := range modified {
		fmt.Fprintf(&b, "\n## ФАЙЛ %d: %s\n", i+1, f.Path)
		if f.Diff != "" {
			fmt.Fprintf(&b, "### Изменения (diff):\n```diff\n%s\n```\n", f.Diff)
		}
		if f.OldContent != "" {
			fmt.Fprintf(&b, "### Содержимое до изменений:\n```\n%s\n```\n", f.OldContent)
		}
		if f.NewContent != "" {
			fmt.Fprintf(&b, "### Содержимое после изменений:\n```\n%s\n```\n", f.NewContent)
		}
	}

	if len(available) > 0 {
		b.WriteString("\n# ДОСТУПНЫЕ ФАЙЛЫ В РЕПОЗИТОРИИ:\n")
		listed := available
		if len(listed) > maxAvailableFiles {
			listed = listed[:maxAvailableFiles]
		}
		for _, path := range listed {
			fmt.Fprintf(&b, "- %s\n", path)
		}
		if len(available) > maxAvailableFiles {
			fmt.Fprintf(&b, "... и еще %d файлов\n", len(available)-maxAvailableFiles)
		}
	}

	b.WriteString(`
# ФОРМАТ ОТВЕТА
Проанализируй код измененных файлов и верни JSON в следующем формате:

{
  "required_files": [
    {
      "path": "путь/к/файлу",
      "reason": "Четкое объяснение, почему этот файл нужен для анализа",
      "priority": 1-5 (1 - критически важно, 5 - может быть полезно)
    },
    ...
  ],
  "explanation": "Краткое обоснование выбранных файлов"
}

# ВАЖНЫЕ ПРАВИЛА
1. Возвращай ТОЛЬКО файлы, которые ДЕЙСТВИТЕЛЬНО необходимы для понимания контекста
2. Если контекстные файлы не нужны, верни пустой список required_files
3. При выборе из доступных файлов, отдавай предпочтение файлам из тех же директорий
4. Указывай точный путь к файлу из списка доступных файлов, если он там есть
5. Приоритет должен отражать важность файла:
   - 1: Без этого файла анализ невозможен
   - 2: Высокая вероятность проблем без этого файла
   - 3: Полезен для полного понимания
   - 4: Может содержать полезный контекст
   - 5: Косвенно связан с изменениями

Возвращай ТОЛЬКО JSON без дополнительных комментариев.
`)
	return b.String()
}

// buildAnalysisPrompt asks the model to review one batch of changed files,
// optionally with fetched context files, and answer with a
// {"description", "errors"} JSON object.
func buildAnalysisPrompt(batch []types.ChangedFile, context []types.ContextFile) string {
	var b strings.Builder

	b.WriteString(`### ЗАДАЧА АНАЛИЗА ИЗМЕНЕНИЙ КОДА С УЧЕТОМ КОНТЕКСТА ###

# ИНСТРУКЦИИ
Ты - эксперт по код-ревью. Твоя задача - проанализировать изменения в коде и найти потенциальные проблемы или ошибки.

Анализируй только явные проблемы, которые могут вызвать ошибки:
1. Синтаксические ошибки
2. Несуществующие методы или параметры (с учетом контекста фреймворков)
3. Несоответствие сигнатур функций
4. Логические ошибки или уязвимости
5. Нарушения общих паттернов и практик

# ИЗМЕНЕННЫЕ ФАЙЛЫ:
`)

	for i, f := range batch {
		fmt.Fprintf(&b, "\n## ИЗМЕНЁННЫЙ ФАЙЛ %d: %s\n", i+1, f.Path)
		if f.Diff != "" {
			fmt.Fprintf(&b, "### Изменения (diff):\n```diff\n%s\n```\n", f.Diff)
		}
		if f.OldContent != "" {
			fmt.Fprintf(&b, "### Содержимое до изменений:\n```\n%s\n```\n", f.OldContent)
		}
		if f.NewContent != "" {
			fmt.Fprintf(&b, "### Содержимое после изменений:\n```\n%s\n```\n", f.NewContent)
		}
	}

	if len(context) > 0 {
		b.WriteString("\n# КОНТЕКСТНЫЕ ФАЙЛЫ ДЛЯ АНАЛИЗА:\n")
		sorted := make([]types.ContextFile, len(context))
		copy(sorted, context)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

		for i, f := range sorted {
			fmt.Fprintf(&b, "\n## КОНТЕКСТНЫЙ ФАЙЛ %d: %s (Приоритет: %d)\n", i+1, f.Path, f.Priority)
			fmt.Fprintf(&b, "```\n%s\n```\n", f.Content)
		}
	}

	b.WriteString(`
# ФОРМАТ ОТВЕТА
Верни JSON в следующем формате:

{
  "description": "Краткое описание изменений в одном предложении",
  "errors": "Подробное описание найденных проблем или 'Нет явных ошибок'"
}

# ВАЖНЫЕ ПРАВИЛА
1. Учитывай особенности фреймворков при анализе:
   - Фреймворки часто предоставляют методы через наследование
   - Не считай проблемой отсутствие типов в динамических языках

2. В поле "description" пиши только суть изменений одним предложением

3. В поле "errors" указывай только:
   - Файл и строку, где найдена проблема
   - Краткое описание проблемы
   - Предлагаемое решение (опционально)

4. Если проблем не обнаружено, в поле "errors" пиши "Нет явных ошибок"

5. ОЧЕНЬ ВАЖНО: Не сообщай о проблемах без 100% уверенности.
   Если нет полного контекста - не предполагай ошибку.
   Лучше не указать проблему, чем указать ложную.

Возвращай ТОЛЬКО JSON без дополнительных комментариев.
`)
	return b.String()
}
